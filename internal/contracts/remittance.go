package contracts

// Method names on the remittance contract.
const (
	MethodCreateRemittance      = "createRemittance"
	MethodCompleteTransaction   = "completeTransaction"
	MethodGetTransactionInfo    = "getTransactionInfo"
	MethodGetUserReputation     = "getUserReputation"
	MethodGetUserTransactionCnt = "getUserTransactionCount"
)

// RemittanceABI is the subset of the deployed remittance contract ABI the service calls.
const RemittanceABI = `[
  {
    "inputs": [
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint256", "name": "fee", "type": "uint256"},
      {"internalType": "string", "name": "recipientName", "type": "string"},
      {"internalType": "string", "name": "recipientCountry", "type": "string"},
      {"internalType": "string", "name": "purpose", "type": "string"},
      {"internalType": "address", "name": "recipient", "type": "address"},
      {"internalType": "bytes", "name": "inputProof", "type": "bytes"}
    ],
    "name": "createRemittance",
    "outputs": [
      {"internalType": "uint256", "name": "transactionId", "type": "uint256"}
    ],
    "stateMutability": "payable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "transactionId", "type": "uint256"}
    ],
    "name": "completeTransaction",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint256", "name": "transactionId", "type": "uint256"}
    ],
    "name": "getTransactionInfo",
    "outputs": [
      {"internalType": "string", "name": "recipientName", "type": "string"},
      {"internalType": "string", "name": "recipientCountry", "type": "string"},
      {"internalType": "string", "name": "purpose", "type": "string"},
      {"internalType": "address", "name": "sender", "type": "address"},
      {"internalType": "address", "name": "recipient", "type": "address"},
      {"internalType": "uint256", "name": "amount", "type": "uint256"},
      {"internalType": "uint256", "name": "fee", "type": "uint256"},
      {"internalType": "uint256", "name": "exchangeRate", "type": "uint256"},
      {"internalType": "bool", "name": "isActive", "type": "bool"},
      {"internalType": "bool", "name": "isVerified", "type": "bool"},
      {"internalType": "bool", "name": "isCompleted", "type": "bool"},
      {"internalType": "uint256", "name": "timestamp", "type": "uint256"},
      {"internalType": "uint256", "name": "completionTime", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "user", "type": "address"}
    ],
    "name": "getUserReputation",
    "outputs": [
      {"internalType": "uint8", "name": "", "type": "uint8"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "user", "type": "address"}
    ],
    "name": "getUserTransactionCount",
    "outputs": [
      {"internalType": "uint8", "name": "", "type": "uint8"}
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`
