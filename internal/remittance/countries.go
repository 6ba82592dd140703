package remittance

import "sort"

type Country struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

var supportedCountries = map[string]Country{
	"US": {Code: "US", Name: "United States", Currency: "USD"},
	"UK": {Code: "UK", Name: "United Kingdom", Currency: "GBP"},
	"IN": {Code: "IN", Name: "India", Currency: "INR"},
	"PH": {Code: "PH", Name: "Philippines", Currency: "PHP"},
	"MX": {Code: "MX", Name: "Mexico", Currency: "MXN"},
	"CN": {Code: "CN", Name: "China", Currency: "CNY"},
	"BD": {Code: "BD", Name: "Bangladesh", Currency: "BDT"},
	"PK": {Code: "PK", Name: "Pakistan", Currency: "PKR"},
}

// Countries lists the corridors a transfer may start or end in, ordered by code.
func Countries() []Country {
	out := make([]Country, 0, len(supportedCountries))
	for _, c := range supportedCountries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func IsSupportedCountry(code string) bool {
	_, ok := supportedCountries[code]
	return ok
}
