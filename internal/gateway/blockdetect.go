package gateway

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockSlider     BlockType = "slider"
	BlockJSShell    BlockType = "js_shell"
)

// DetectBlock checks a detail page response for signs of anti-bot protection.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp == nil {
		return false, BlockNone
	}

	// Cloudflare: 403/503 with cf-* headers.
	if resp.StatusCode == 403 || resp.StatusCode == 503 {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-cache-status") != "" {
			return true, BlockCloudflare
		}
		if resp.Header.Get("server") == "cloudflare" {
			return true, BlockCloudflare
		}
	}

	// Alibaba punish redirect.
	if resp.Request != nil && resp.Request.URL != nil && strings.Contains(resp.Request.URL.Path, "_____tmd_____") {
		return true, BlockSlider
	}

	lower := strings.ToLower(string(body))

	// Slider verification served in place of the page.
	if strings.Contains(lower, "_____tmd_____/punish") ||
		strings.Contains(lower, "x5secdata") ||
		strings.Contains(lower, "nc_1_n1z") {
		return true, BlockSlider
	}

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return true, BlockCloudflare
	}

	// Full detail pages mention captcha in bundled scripts; only a short
	// interstitial counts.
	if len(body) < 50_000 && (strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "recaptcha") ||
		strings.Contains(lower, "hcaptcha")) {
		return true, BlockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, "meta http-equiv=\"refresh\"") {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
