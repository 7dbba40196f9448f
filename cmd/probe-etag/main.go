package main

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/anitrack/anitrack/internal/config"
	"github.com/anitrack/anitrack/internal/constants"
)

// Checks whether an API endpoint honours conditional requests.
// Usage: probe-etag <path>, e.g. probe-etag /genres

func makeRequest(httpClient *http.Client, url string, apiKey string, etag string) ([]byte, http.Header, int, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return []byte{}, nil, -1, fmt.Errorf("Constructing request: %w", err)
	}

	req.Header.Set("User-Agent", constants.USER_AGENT)
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if token := os.Getenv("ANITRACK_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return []byte{}, nil, -1, fmt.Errorf("Making request: %w", err)
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return []byte{}, nil, -1, fmt.Errorf("ReadAll: %w", err)
	}

	return data, resp.Header, resp.StatusCode, nil
}

func main() {
	conf, err := config.ConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if len(os.Args) < 2 || os.Args[1] == "" {
		log.Fatal("No path provided")
	}

	url := strings.TrimSuffix(conf.APIURL(), "/") + "/" + strings.TrimPrefix(os.Args[1], "/")
	httpClient := &http.Client{Timeout: conf.RequestTimeout()}

	data, header, statusCode, err := makeRequest(httpClient, url, conf.APIKey(), "")
	if err != nil {
		log.Fatalf("First request failed: %v", err)
	}
	if statusCode != 200 {
		log.Fatalf("API returned non-200 status code: %d - %s", statusCode, string(data))
	}

	etag := header.Get("ETag")
	if etag == "" {
		fmt.Printf("%s: no ETag (%d bytes)\n", url, len(data))
		os.Exit(1)
	}
	fmt.Printf("%s: ETag %s (%d bytes)\n", url, etag, len(data))

	data, _, statusCode, err = makeRequest(httpClient, url, conf.APIKey(), etag)
	if err != nil {
		log.Fatalf("Conditional request failed: %v", err)
	}

	if statusCode != http.StatusNotModified {
		fmt.Printf("If-None-Match ignored: %d (%d bytes)\n", statusCode, len(data))
		os.Exit(1)
	}
	fmt.Println("If-None-Match honoured: 304")
}
