// Package companion – tools_web.go implements web_fetch, web_search, and
// weather. Fetches go through the SSRF guard; search and weather need
// their API keys configured.
package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	fetchTimeout       = 15 * time.Second
	maxFetchBodyBytes  = 1 << 20 // 1 MiB read cap
	maxFetchResultLen  = 8_000
	braveSearchURL     = "https://api.search.brave.com/res/v1/web/search"
	openWeatherMapURL  = "https://api.openweathermap.org/data/2.5/weather"
)

var (
	titleRe  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// FetchPage retrieves a URL through the SSRF guard and returns a title
// plus extracted text, truncated to the result budget.
func FetchPage(ctx context.Context, raw string) (string, error) {
	u, err := ValidateFetchURL(raw)
	if err != nil {
		return "", err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", Errorf(ErrInvalidInput, "build request: %v", err)
	}
	req.Header.Set("User-Agent", "companionbot/1.0")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", Errorf(ErrTransient, "fetch %s: %v", u.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", Errorf(ErrTransient, "fetch %s: status %d", u.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return "", Errorf(ErrTransient, "read %s: %v", u.Host, err)
	}

	title, text := extractReadable(string(body))
	var sb strings.Builder
	if title != "" {
		sb.WriteString("# " + title + "\n\n")
	}
	sb.WriteString(text)
	out := sb.String()
	if len(out) > maxFetchResultLen {
		out = out[:maxFetchResultLen] + "\n... [truncated]"
	}
	return out, nil
}

// extractReadable pulls the title and a plain-text rendition out of HTML.
// Non-HTML bodies pass through unchanged.
func extractReadable(body string) (title, text string) {
	if m := titleRe.FindStringSubmatch(body); m != nil {
		title = strings.TrimSpace(m[1])
	}
	text = scriptRe.ReplaceAllString(body, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return title, strings.TrimSpace(text)
}

// RegisterWebTools adds web_fetch, web_search, and weather. Empty keys
// leave the corresponding tool registered but erroring with a setup hint.
func RegisterWebTools(reg *ToolRegistry, braveKey, weatherKey string) {
	reg.Register(ToolDef{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its title and readable text.",
		InputSchema: objSchema(map[string]any{
			"url": prop("string", "HTTP(S) URL to fetch"),
		}, "url"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		raw, err := stringArg(args, "url")
		if err != nil {
			return "", err
		}
		return FetchPage(ctx, raw)
	})

	reg.Register(ToolDef{
		Name:        "web_search",
		Description: "Search the web and return the top results with snippets.",
		InputSchema: objSchema(map[string]any{
			"query": prop("string", "Search query"),
		}, "query"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		query, err := stringArg(args, "query")
		if err != nil {
			return "", err
		}
		if braveKey == "" {
			return "", Errorf(ErrInvalidInput, "web search is not configured: set the brave-api-key secret")
		}
		return braveSearch(ctx, braveKey, query)
	})

	reg.Register(ToolDef{
		Name:        "weather",
		Description: "Get the current weather for a city.",
		InputSchema: objSchema(map[string]any{
			"city": prop("string", "City name, e.g. 'Seoul' or 'Seoul,KR'"),
		}, "city"),
	}, func(ctx context.Context, args map[string]any) (string, error) {
		city, err := stringArg(args, "city")
		if err != nil {
			return "", err
		}
		if weatherKey == "" {
			return "", Errorf(ErrInvalidInput, "weather is not configured: run /weather_setup <key>")
		}
		return currentWeather(ctx, weatherKey, city)
	})
}

func braveSearch(ctx context.Context, key, query string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet,
		braveSearchURL+"?q="+url.QueryEscape(query)+"&count=5", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", key)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", Errorf(ErrTransient, "search request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", Errorf(ErrTransient, "search API status %d", resp.StatusCode)
	}

	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", Errorf(ErrTransient, "decode search response: %v", err)
	}
	if len(parsed.Web.Results) == 0 {
		return "no results", nil
	}

	var sb strings.Builder
	for i, r := range parsed.Web.Results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return sb.String(), nil
}

func currentWeather(ctx context.Context, key, city string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	endpoint := fmt.Sprintf("%s?q=%s&appid=%s&units=metric",
		openWeatherMapURL, url.QueryEscape(city), url.QueryEscape(key))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", Errorf(ErrTransient, "weather request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", Errorf(ErrNotFound, "unknown city %q", city)
	}
	if resp.StatusCode != http.StatusOK {
		return "", Errorf(ErrTransient, "weather API status %d", resp.StatusCode)
	}

	var parsed struct {
		Name    string `json:"name"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
		Main struct {
			Temp      float64 `json:"temp"`
			FeelsLike float64 `json:"feels_like"`
			Humidity  int     `json:"humidity"`
		} `json:"main"`
		Wind struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", Errorf(ErrTransient, "decode weather response: %v", err)
	}

	desc := ""
	if len(parsed.Weather) > 0 {
		desc = parsed.Weather[0].Description
	}
	return fmt.Sprintf("%s: %s, %.1f°C (feels like %.1f°C), humidity %d%%, wind %.1f m/s",
		parsed.Name, desc, parsed.Main.Temp, parsed.Main.FeelsLike,
		parsed.Main.Humidity, parsed.Wind.Speed), nil
}
