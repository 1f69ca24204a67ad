// Package netinfo does best-effort public IP / region auto-detection so the
// registration payload can carry a useful default when the operator hasn't
// set public_ip/node_region explicitly.
package netinfo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const detectTimeout = 3 * time.Second

// DefaultPublicIP is returned when every detection endpoint fails.
const DefaultPublicIP = "0.0.0.0"

// publicIPEndpoints are tried in order; the first to answer wins.
var publicIPEndpoints = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
}

// DetectPublicIP returns the node's public IP as seen from the internet, or
// DefaultPublicIP if every endpoint fails or times out.
func DetectPublicIP(ctx context.Context, client *http.Client) string {
	for _, endpoint := range publicIPEndpoints {
		ip, err := fetchTrimmed(ctx, client, endpoint)
		if err == nil && ip != "" {
			return ip
		}
	}
	return DefaultPublicIP
}

type regionResponse struct {
	Region  string `json:"region"`
	Country string `json:"country"`
}

// DetectRegion makes a best-effort guess at the node's region via a
// geolocation-by-IP endpoint. Returns "" on any failure; callers treat an
// empty region as "unknown", matching original_source's optional node_region.
func DetectRegion(ctx context.Context, client *http.Client) string {
	reqCtx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "https://ipapi.co/json/", nil)
	if err != nil {
		return ""
	}
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var parsed regionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&parsed); err != nil {
		return ""
	}
	if parsed.Region != "" {
		return parsed.Region
	}
	return parsed.Country
}

func fetchTrimmed(ctx context.Context, client *http.Client, url string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
