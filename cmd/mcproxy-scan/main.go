// mcproxy-scan runs the proxy's detection and filter pipeline over stdin.
// Useful for checking what the proxy would do to a payload without
// standing up a session.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"mcproxy.dev/mcproxy/config"
	"mcproxy.dev/mcproxy/flags"
)

func main() {
	f, err := flags.ParseScanArgs(os.Args)
	if err != nil {
		logrus.Error(err)
		return
	}
	if f.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := config.Load(config.Path(f.ConfigPath))
	if err != nil {
		logrus.Fatalf("error loading config: %s", err)
	}

	detector, err := cfg.Detector()
	if err != nil {
		logrus.Fatal(err)
	}
	matcher, err := cfg.PatternMatcher()
	if err != nil {
		logrus.Fatal(err)
	}
	ansi := cfg.AnsiFilter()
	whitelist := cfg.Whitelist()

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		logrus.Fatalf("read stdin: %s", err)
	}
	text := string(data)

	if f.Redact {
		out := detector.Replace(text, func(value, typ string) string {
			return fmt.Sprintf("[REDACTED:%s]", typ)
		})
		out, _ = ansi.Filter(out)
		out, _ = whitelist.Filter(out)
		_, _, out = matcher.Check(out, "scan")
		fmt.Print(out)
		return
	}

	findings := detector.Detect(text)
	for _, fd := range findings {
		fmt.Printf("secret\t%s\toffset=%d\tlen=%d\n", fd.Type, fd.Offset, fd.Length)
	}
	if _, removed := ansi.Filter(text); removed {
		fmt.Println("ansi\tescape sequences present")
	}
	if _, tags := whitelist.Filter(text); len(tags) > 0 {
		for _, tag := range tags {
			fmt.Printf("whitelist\t%s\n", tag)
		}
	}
	if _, matches, _ := matcher.Check(text, "scan"); len(matches) > 0 {
		for _, m := range matches {
			fmt.Printf("pattern\t%s\tseverity=%s\n", m.Name, m.Severity)
		}
	}
	if len(findings) == 0 {
		fmt.Fprintln(os.Stderr, "no secrets detected")
	}
}
