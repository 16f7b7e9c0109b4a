package testutil

// Test keys for use in tests only.
const (
	TestSigningKey  = "test-signing-key-1234567890123456"
	TestAPIKey      = "ak_test_0123456789"
	TestUpstreamKey = "sk-test-upstream"
)
