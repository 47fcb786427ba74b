package edc

// Config is the static configuration of the simulator application.
// Runtime settings (communication mode, port parameters, adapter
// address) live in the Repository and can be changed over the API.
type Config struct {
	HTTPAddr string
	// DataDir holds settings.json and transaction_history.json.
	DataDir string
	// NativeLibraryPath points at the vendor packing library. When the
	// library cannot be loaded, or DisableNativeLibrary is set, the pure
	// Go codec handles all packing and parsing.
	NativeLibraryPath    string
	DisableNativeLibrary bool
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:          "localhost:8080",
		DataDir:           "data",
		NativeLibraryPath: "libBriEcrLibrary.so",
	}
}
