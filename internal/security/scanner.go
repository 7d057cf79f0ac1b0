package security

import (
	"fmt"
	"io"
	"os"

	clamd "github.com/dutchcoders/go-clamd"
	"go.uber.org/zap"
)

// Scanner checks curated attachments against a ClamAV daemon before they
// are published to the output tree. A missing daemon disables scanning;
// it never fails a conversion.
type Scanner struct {
	enabled bool
	client  *clamd.Clamd
	log     *zap.SugaredLogger
}

// ScanResult contains the result of one scan
type ScanResult struct {
	Scanned  bool
	Infected bool
	Threats  []string
}

// NewScanner connects to clamd at address. When the daemon is
// unreachable the returned scanner is disabled rather than an error, so
// the pipeline degrades instead of aborting.
func NewScanner(address string, log *zap.SugaredLogger) *Scanner {
	if address == "" {
		address = "localhost:3310"
	}

	client := clamd.NewClamd(address)
	if err := client.Ping(); err != nil {
		log.Warnw("clamd unreachable, attachment scanning disabled", "address", address, "error", err)
		return &Scanner{enabled: false, log: log}
	}

	return &Scanner{enabled: true, client: client, log: log}
}

// IsEnabled returns whether the scanner is active
func (s *Scanner) IsEnabled() bool {
	return s != nil && s.enabled
}

// ScanFile scans a file on disk
func (s *Scanner) ScanFile(path string) (*ScanResult, error) {
	if !s.IsEnabled() {
		return &ScanResult{Scanned: false}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file for scanning: %w", err)
	}
	defer file.Close()

	return s.scanReader(file)
}

func (s *Scanner) scanReader(reader io.Reader) (*ScanResult, error) {
	result := &ScanResult{Scanned: true}

	responses, err := s.client.ScanStream(reader, make(chan bool))
	if err != nil {
		return nil, fmt.Errorf("scan stream: %w", err)
	}
	for r := range responses {
		if r.Status == "FOUND" {
			result.Infected = true
			result.Threats = append(result.Threats, r.Description)
		}
	}
	return result, nil
}
