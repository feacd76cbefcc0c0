package gateway

import "net/http"

// BuildEngineForTest exports buildEngine for black-box testing.
func BuildEngineForTest(sdls, hosts map[string]string, httpClient *http.Client) (*executionEngine, error) {
	return buildEngine(sdls, hosts, httpClient)
}

// CopyMapForTest exports copyMap for black-box testing.
func CopyMapForTest(m map[string]string) map[string]string {
	return copyMap(m)
}
