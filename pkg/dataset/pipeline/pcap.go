package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
)

// bulk index action lines emitted by tshark's ek output
var bulkIndexLine = regexp.MustCompile(`^\{"index":\{"_index":".*","_type":".*"\}\}`)

// PcapConvert converts a packet capture into newline-delimited JSON
// using tshark's ek output, ready for file-based parsing. Bulk index
// action lines are stripped by default since the events go through the
// parser rather than the store's bulk API.
type PcapConvert struct {
	Base `mapstructure:",squash"`

	Pcap string `mapstructure:"pcap"`
	Dest string `mapstructure:"dest"`

	// TLSKeylog decrypts TLS on the fly when set.
	TLSKeylog string `mapstructure:"tls_keylog"`

	// TsharkBin overrides PATH lookup of the tshark binary.
	TsharkBin string `mapstructure:"tshark_bin"`

	RemoveIndexMessages bool `mapstructure:"remove_index_messages"`

	// RemoveFiltered strips the filtered markers tshark inserts for
	// fields suppressed by display filters; they carry no data and
	// break the field mapping.
	RemoveFiltered bool `mapstructure:"remove_filtered"`

	PacketSummary bool `mapstructure:"packet_summary"`
	PacketDetails bool `mapstructure:"packet_details"`

	ReadFilter                string `mapstructure:"read_filter"`
	ProtocolMatchFilter       string `mapstructure:"protocol_match_filter"`
	ProtocolMatchFilterParent string `mapstructure:"protocol_match_filter_parent"`

	CreateDestDirs bool `mapstructure:"create_destination_dirs"`

	// Force reconverts even when the destination already exists.
	Force bool `mapstructure:"force"`
}

func (p *PcapConvert) Execute(ctx context.Context, env *Env) error {
	pcap := resolvePath(env.DatasetDir, p.Pcap)
	dest := resolvePath(env.DatasetDir, p.Dest)

	if p.CreateDestDirs {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
	}
	if !p.Force {
		if _, err := os.Stat(dest); err == nil {
			env.log().Info("skipping pcap conversion, destination exists", "dest", p.Dest)
			return nil
		}
	}

	bin := p.TsharkBin
	if bin == "" {
		found, err := exec.LookPath("tshark")
		if err != nil {
			return fmt.Errorf("tshark not found: %w", err)
		}
		bin = found
	}

	args := []string{"-r", pcap, "-T", "ek"}
	if p.TLSKeylog != "" {
		args = append(args, "-o", fmt.Sprintf("tls.keylog_file:%s", resolvePath(env.DatasetDir, p.TLSKeylog)))
	}
	if p.PacketSummary {
		args = append(args, "-P")
	}
	if p.PacketDetails {
		args = append(args, "-V")
	}
	if p.ReadFilter != "" {
		args = append(args, "-Y", p.ReadFilter)
	}
	if p.ProtocolMatchFilter != "" {
		args = append(args, "-J", p.ProtocolMatchFilter)
	}
	if p.ProtocolMatchFilterParent != "" {
		args = append(args, "-j", p.ProtocolMatchFilterParent)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	writer := bufio.NewWriter(out)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if p.RemoveIndexMessages && bulkIndexLine.Match(line) {
			continue
		}
		if p.RemoveFiltered {
			cleaned, err := stripFilteredMarkers(line)
			if err != nil {
				out.Close()
				return fmt.Errorf("clean packet event: %w", err)
			}
			line = cleaned
		}
		if _, err := writer.Write(line); err != nil {
			out.Close()
			return err
		}
		if err := writer.WriteByte('\n'); err != nil {
			out.Close()
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		out.Close()
		return err
	}
	if err := writer.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return cmd.Wait()
}

// stripFilteredMarkers removes every field whose value is the single
// pair {"filtered": ...}.
func stripFilteredMarkers(line []byte) ([]byte, error) {
	if len(line) == 0 {
		return line, nil
	}
	var event any
	if err := json.Unmarshal(line, &event); err != nil {
		return nil, err
	}
	cleaned, _ := removeFiltered(event)
	return json.Marshal(cleaned)
}

// removeFiltered walks the event tree; the second return value marks a
// node that must be dropped by its parent.
func removeFiltered(node any) (any, bool) {
	switch v := node.(type) {
	case map[string]any:
		if len(v) == 0 {
			return v, false
		}
		if len(v) == 1 {
			if _, ok := v["filtered"]; ok {
				return nil, true
			}
		}
		for key, val := range v {
			cleaned, drop := removeFiltered(val)
			if drop {
				delete(v, key)
			} else {
				v[key] = cleaned
			}
		}
		if len(v) == 0 {
			return nil, true
		}
		return v, false
	case []any:
		kept := v[:0]
		for _, val := range v {
			cleaned, drop := removeFiltered(val)
			if !drop {
				kept = append(kept, cleaned)
			}
		}
		return kept, false
	default:
		return node, false
	}
}
