package storage

import "os"

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
)

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Mode           DynamoMode
	Endpoint       string // for local mode
	Region         string
	RoomsTable     string
	InquiriesTable string
	VisitorsTable  string
	CodesTable     string
	ContactsTable  string
}

// LoadDynamoConfig loads DynamoDB config from environment
func LoadDynamoConfig() DynamoConfig {
	mode := DynamoMode(getEnv("DYNAMO_MODE", "local"))
	if mode != DynamoModeAWS {
		mode = DynamoModeLocal
	}

	return DynamoConfig{
		Mode:           mode,
		Endpoint:       getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
		Region:         getEnv("DYNAMO_REGION", "eu-central-1"),
		RoomsTable:     getEnv("DYNAMO_ROOMS_TABLE", "omnichannel-rooms"),
		InquiriesTable: getEnv("DYNAMO_INQUIRIES_TABLE", "omnichannel-inquiries"),
		VisitorsTable:  getEnv("DYNAMO_VISITORS_TABLE", "omnichannel-visitors"),
		CodesTable:     getEnv("DYNAMO_CODES_TABLE", "omnichannel-verification-codes"),
		ContactsTable:  getEnv("DYNAMO_CONTACTS_TABLE", "omnichannel-active-contacts"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
