package version

// Version is the current version of the atlas-backtester library.
// This value is set at build time using ldflags:
// -ldflags "-X github.com/atlas-quant/atlas-backtester/internal/version.Version=1.2.3"
// The default value "main" indicates a development build.
var Version = "main"

// SchemaVersion is the strategy document schema the engine understands.
// Strategy files declare their own schema version; the two are checked for
// compatibility at parse time.
const SchemaVersion = "1.0.0"

// GetVersion returns the current version of the library.
func GetVersion() string {
	return Version
}
