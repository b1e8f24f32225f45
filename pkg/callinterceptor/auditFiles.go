package callinterceptor

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rglonek/logger"
)

// auditFiles appends one CSV row per decided call. Reopen is safe to call
// from a SIGHUP handler for log rotation.
type auditFiles struct {
	config     ConfigAuditFiles
	log        *logger.Logger
	lock       sync.Mutex
	blocked    *os.File
	blockedCSV *csv.Writer
	allowed    *os.File
	allowedCSV *csv.Writer
}

func newAuditFiles(config ConfigAuditFiles, log *logger.Logger) *auditFiles {
	return &auditFiles{config: config, log: log}
}

func openAuditCSV(path string, header []string, log *logger.Logger) (*os.File, *csv.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	w := csv.NewWriter(f)
	stat, err := f.Stat()
	if err == nil && stat.Size() == 0 {
		if err := writeCSV(w, header); err != nil {
			log.Error("Audit log: Error writing header to %s: %v", path, err)
		}
	}
	return f, w, nil
}

func (a *auditFiles) reopen() error {
	var err error
	a.lock.Lock()
	defer a.lock.Unlock()
	a.closeFiles()
	if a.config.BlockedNumbers != "" {
		a.blocked, a.blockedCSV, err = openAuditCSV(a.config.BlockedNumbers, []string{"timestamp", "number", "reason", "source"}, a.log)
		if err != nil {
			return err
		}
	}
	if a.config.AllowedNumbers != "" {
		a.allowed, a.allowedCSV, err = openAuditCSV(a.config.AllowedNumbers, []string{"timestamp", "number", "reason"}, a.log)
		if err != nil {
			return err
		}
	}
	return nil
}

// record is the interceptor observer. Ignored events are not audited.
func (a *auditFiles) record(d *Decision) {
	a.lock.Lock()
	defer a.lock.Unlock()
	o := d.Outcome()
	now := time.Now().Format(time.RFC3339)
	switch {
	case o.Terminated() && a.blocked != nil:
		if err := writeCSV(a.blockedCSV, []string{now, d.Number, o.String(), d.Source()}); err != nil {
			a.log.Error("Audit log: Error writing to audit blocked numbers: %v", err)
		}
	case (o == OutcomeAllowed || o == OutcomeAllowListed) && a.allowed != nil:
		if err := writeCSV(a.allowedCSV, []string{now, d.Number, o.String()}); err != nil {
			a.log.Error("Audit log: Error writing to audit allowed numbers: %v", err)
		}
	}
}

func (a *auditFiles) close() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.closeFiles()
}

func (a *auditFiles) closeFiles() {
	if a.blocked != nil {
		a.blockedCSV.Flush()
		if err := a.blockedCSV.Error(); err != nil {
			a.log.Error("Audit log: Error flushing audit blocked numbers: %v", err)
		}
		a.blocked.Close()
		a.blockedCSV = nil
		a.blocked = nil
	}
	if a.allowed != nil {
		a.allowedCSV.Flush()
		if err := a.allowedCSV.Error(); err != nil {
			a.log.Error("Audit log: Error flushing audit allowed numbers: %v", err)
		}
		a.allowed.Close()
		a.allowedCSV = nil
		a.allowed = nil
	}
}

func writeCSV(csv *csv.Writer, data []string) error {
	if err := csv.Write(data); err != nil {
		return fmt.Errorf("write-csv: %v", err)
	}
	csv.Flush()
	if err := csv.Error(); err != nil {
		return fmt.Errorf("flush-csv: %v", err)
	}
	return nil
}
