package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/postalsys/fileferry/internal/health"
)

// statusMetrics are the families shown by status, in display order.
var statusMetrics = []struct {
	name  string
	label string
	bytes bool
}{
	{"fileferry_connections_active", "Connections", false},
	{"fileferry_sessions_active", "Sessions", false},
	{"fileferry_resources_open", "Open files", false},
	{"fileferry_relay_legs_active", "Relay legs", false},
	{"fileferry_requests_total", "Requests", false},
	{"fileferry_request_errors_total", "Request errors", false},
	{"fileferry_auth_failures_total", "Auth failures", false},
	{"fileferry_bytes_sent_total", "Sent", true},
	{"fileferry_bytes_received_total", "Received", true},
}

func statusCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running node",
		Long:  "Query the health endpoint of a running node and summarise its metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				cfg, err := loadConfig(true)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				address = cfg.Health.Address
			}
			base := healthURL(address)
			hc := &http.Client{Timeout: 5 * time.Second}

			var st health.Stats
			if err := getJSON(hc, base+"/healthz", &st); err != nil {
				return fmt.Errorf("node at %s: %w", base, err)
			}
			if st.ProxyRunning {
				if err := getJSON(hc, base+"/services", &st.ReverseServices); err != nil {
					return err
				}
			}
			resp, err := hc.Get(base + "/metrics")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			values, err := summarizeMetrics(resp.Body)
			if err != nil {
				return fmt.Errorf("parse metrics: %w", err)
			}

			fmt.Print(formatStatus(st, values))
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "Health endpoint address (default health.address)")

	return cmd
}

// healthURL turns a listen address such as ":8080" into a URL.
func healthURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func getJSON(hc *http.Client, url string, v any) error {
	resp, err := hc.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// summarizeMetrics parses the text exposition format and sums every
// counter, gauge and untyped series per family.
func summarizeMetrics(r io.Reader) (map[string]float64, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for name, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				sum += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				sum += m.GetGauge().GetValue()
			case dto.MetricType_UNTYPED:
				sum += m.GetUntyped().GetValue()
			case dto.MetricType_HISTOGRAM:
				sum += float64(m.GetHistogram().GetSampleCount())
			case dto.MetricType_SUMMARY:
				sum += float64(m.GetSummary().GetSampleCount())
			}
		}
		out[name] = sum
	}
	return out, nil
}

func formatStatus(st health.Stats, values map[string]float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Server:  %s\n", running(st.ServerRunning))
	fmt.Fprintf(&b, "Proxy:   %s\n", running(st.ProxyRunning))
	if len(st.ReverseServices) > 0 {
		names := append([]string(nil), st.ReverseServices...)
		sort.Strings(names)
		fmt.Fprintf(&b, "Reverse services: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("\n")
	for _, m := range statusMetrics {
		v, ok := values[m.name]
		if !ok {
			continue
		}
		if m.bytes {
			fmt.Fprintf(&b, "  %-16s %s\n", m.label, humanize.IBytes(uint64(v)))
			continue
		}
		fmt.Fprintf(&b, "  %-16s %s\n", m.label, humanize.Comma(int64(v)))
	}
	return b.String()
}

func running(on bool) string {
	if on {
		return "running"
	}
	return "stopped"
}
