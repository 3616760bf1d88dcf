package batch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Report is the state of one batch job. Field names follow LSF's
// `bjobs -json -o "jobid stat exec_host job_name"` records.
type Report struct {
	BatchID  string `json:"JOBID"`
	Stat     string `json:"STAT"`
	ExecHost string `json:"EXEC_HOST"`
	JobName  string `json:"JOB_NAME"`
}

// NumericBatchID parses BatchID. Array jobs report "123[4]"; the index is
// dropped.
func (r Report) NumericBatchID() (int64, bool) {
	raw := strings.TrimSpace(r.BatchID)
	if i := strings.IndexByte(raw, '['); i >= 0 {
		raw = raw[:i]
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Host returns the first execution host. LSF reports multi-host jobs as
// "4*hostA:2*hostB".
func (r Report) Host() string {
	host := strings.TrimSpace(r.ExecHost)
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, '*'); i >= 0 {
		host = host[i+1:]
	}
	return host
}

type bjobsDocument struct {
	Records []Report `json:"RECORDS"`
}

// DecodeReports reads either a bjobs JSON document ({"RECORDS": [...]}) or
// one JSON report per line. Blank lines are ignored.
func DecodeReports(r io.Reader) ([]Report, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read reports: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if bytes.Contains(trimmed, []byte(`"RECORDS"`)) {
		var doc bjobsDocument
		if err := json.Unmarshal(trimmed, &doc); err == nil {
			return doc.Records, nil
		}
	}

	var out []Report
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rep Report
		if err := json.Unmarshal([]byte(text), &rep); err != nil {
			return nil, fmt.Errorf("decode report line %d: %w", line, err)
		}
		out = append(out, rep)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan reports: %w", err)
	}
	return out, nil
}

// Poller returns the current state of the batch jobs it watches.
type Poller interface {
	Poll(ctx context.Context) ([]Report, error)
}

// StaticPoller returns a fixed set of reports.
type StaticPoller []Report

// Poll implements Poller.
func (p StaticPoller) Poll(context.Context) ([]Report, error) {
	out := make([]Report, len(p))
	copy(out, p)
	return out, nil
}

// ReaderPoller decodes reports from a reader opened on every poll. "-"
// as Path reads stdin once.
type ReaderPoller struct {
	Path  string
	Stdin io.Reader
}

// Poll implements Poller.
func (p ReaderPoller) Poll(ctx context.Context) ([]Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Path == "-" {
		in := p.Stdin
		if in == nil {
			in = os.Stdin
		}
		return DecodeReports(in)
	}
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("open reports: %w", err)
	}
	defer func() { _ = f.Close() }()
	return DecodeReports(f)
}
