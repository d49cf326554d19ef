package errors

type ExitCode int

const (
	GenericFailureExitCode ExitCode = 1

	// Configuration problems
	ConfigReadFailureExitCode  = 60
	ConfigParseFailureExitCode = 61

	// Execution policy documents
	PolicyReadFailureExitCode     = 70
	PolicyParseFailureExitCode    = 71
	PolicyValidateFailureExitCode = 72
	PropertiesReadFailureExitCode = 73
	PolicyRejectedExitCode        = 74

	DriverStartFailureExitCode = 90
)
