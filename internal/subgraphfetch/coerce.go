package subgraphfetch

// GraphQLError is a single error entry in a subgraph's `errors` array.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []interface{}  `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// SubgraphResponse is the decoded body of a subgraph's GraphQL response,
// before it is merged into the overall execution result. CacheControl
// carries the raw Cache-Control response header alongside the body —
// the entity cache merges it into the effective storage policy.
type SubgraphResponse struct {
	Data       map[string]interface{} `json:"data"`
	Errors     []GraphQLError         `json:"errors,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`

	CacheControl string `json:"-"`
}

// CoerceResponse applies the `extensions.valueCompletion`-style partial
// nulling Apollo Router's subgraph_service.rs performs on a 2xx response
// that nonetheless carries field-level errors: every error's Path, if
// present, is used to null out exactly that position in Data rather than
// discarding the whole response, so sibling fields the subgraph did
// resolve successfully still reach the client.
func CoerceResponse(resp *SubgraphResponse) *SubgraphResponse {
	if resp == nil {
		return nil
	}
	for _, ge := range resp.Errors {
		if len(ge.Path) == 0 {
			continue
		}
		nullAtPath(resp.Data, ge.Path)
	}
	return resp
}

func nullAtPath(data map[string]interface{}, path []interface{}) {
	if len(path) == 0 || data == nil {
		return
	}

	key, ok := path[0].(string)
	if !ok {
		return
	}

	if len(path) == 1 {
		data[key] = nil
		return
	}

	switch child := data[key].(type) {
	case map[string]interface{}:
		nullAtPath(child, path[1:])
	case []interface{}:
		idx, ok := path[1].(float64)
		if !ok {
			return
		}
		i := int(idx)
		if i < 0 || i >= len(child) {
			return
		}
		if elem, ok := child[i].(map[string]interface{}); ok {
			if len(path) == 2 {
				child[i] = nil
			} else {
				nullAtPath(elem, path[2:])
			}
		}
	}
}
