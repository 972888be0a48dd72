package flags

import "flag"

// ScanFlags holds CLI arguments for the scan utility.
type ScanFlags struct {
	ConfigPath string
	Redact     bool
	Verbose    bool
}

// ParseScanArgs parses mcproxy-scan arguments.
func ParseScanArgs(args []string) (*ScanFlags, error) {
	f := &ScanFlags{}
	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.StringVar(&f.ConfigPath, "config", "", "path to the YAML configuration file")
	fs.BoolVar(&f.Redact, "redact", false, "print the sanitized text instead of findings")
	fs.BoolVar(&f.Verbose, "verbose", false, "enable debug logging")
	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}
	return f, nil
}
