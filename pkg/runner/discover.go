package runner

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// AppInfo describes one discovered app.
type AppInfo struct {
	Service       string
	ContainerName string
	Labels        map[string]string
}

// hostRuleRe matches the routing-rule label value the proxy uses to
// bind a hostname, e.g. Host(`app.example.com`).
var hostRuleRe = regexp.MustCompile("Host\\(`([^`]+)`\\)")

// proxyRole is the role label value carried by the proxy's own
// container, which is never a managed app.
const proxyRole = "proxy"

// discoveryLogLines bounds how much proxy log the discovery pass reads
// for additional Host(`…`) bindings.
const discoveryLogLines = 200

func parseContainerList(out []byte) []containerRecord {
	var records []containerRecord
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec containerRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// DiscoverApps maps hostnames to their app metadata by inspecting
// container labels, supplemented with Host(`…`) bindings seen in the
// proxy log. Hosts without a routing-rule label get a synthesized
// <service>.local name.
func (r *Runner) DiscoverApps(ctx context.Context) (map[string]AppInfo, error) {
	out, err := r.ExecuteWithRetry(ctx, r.cfg.DockerPath,
		"ps", "-a",
		"--filter", "label=service",
		"--format", "{{json .}}")
	if err != nil {
		return nil, err
	}

	apps := make(map[string]AppInfo)
	for _, rec := range parseContainerList(out) {
		labels := parseLabels(rec.Labels)
		service := labels["service"]
		if service == "" {
			continue
		}
		if labels["role"] == proxyRole {
			continue
		}

		host := hostFromLabels(labels)
		if host == "" {
			host = service + ".local"
		}
		apps[host] = AppInfo{
			Service:       service,
			ContainerName: rec.Names,
			Labels:        labels,
		}
	}

	// The proxy log names hosts that label inspection can miss, e.g.
	// apps deployed with routing rules set at the proxy rather than on
	// the container.
	for _, host := range r.hostsFromProxyLog(ctx) {
		if _, seen := apps[host]; seen {
			continue
		}
		apps[host] = AppInfo{Service: ServiceName(host)}
	}

	return apps, nil
}

func hostFromLabels(labels map[string]string) string {
	for _, value := range labels {
		if m := hostRuleRe.FindStringSubmatch(value); m != nil {
			return m[1]
		}
	}
	return ""
}

func (r *Runner) hostsFromProxyLog(ctx context.Context) []string {
	lines, err := r.TailProxyLog(ctx, discoveryLogLines)
	if err != nil {
		r.log.Debugw("proxy log unavailable for discovery", "error", err)
		return nil
	}

	seen := make(map[string]bool)
	var hosts []string
	for _, line := range lines {
		for _, m := range hostRuleRe.FindAllStringSubmatch(line, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				hosts = append(hosts, m[1])
			}
		}
	}
	return hosts
}
