package subgraphfetch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SubscriptionMode selects how a subgraph subscription is carried.
type SubscriptionMode int

const (
	// ModePassthrough keeps a single long-lived WebSocket connection open
	// to the subgraph for the lifetime of the client's subscription.
	ModePassthrough SubscriptionMode = iota
	// ModeCallback registers a callback URL with the subgraph instead,
	// letting the gateway drop the connection and receive pushes later
	// as regular HTTP POSTs to that URL.
	ModeCallback
)

// WSProtocol is the WebSocket subprotocol used for a passthrough
// subscription connection.
type WSProtocol string

const (
	ProtocolGraphQLTransportWS WSProtocol = "graphql-transport-ws"
	ProtocolGraphQLWS          WSProtocol = "graphql-ws"
)

// SubscriptionEvent is a single payload delivered to the client for the
// lifetime of a subscription.
type SubscriptionEvent struct {
	Data   map[string]interface{} `json:"data,omitempty"`
	Errors []GraphQLError         `json:"errors,omitempty"`
}

// PassthroughSubscribe opens a WebSocket connection to host, performs the
// connection_init/subscribe handshake for protocol, and streams decoded
// events to the returned channel until ctx is cancelled or the subgraph
// closes the connection. The channel is closed when the subscription
// ends.
func PassthroughSubscribe(ctx context.Context, host, query string, variables map[string]any, protocol WSProtocol) (<-chan SubscriptionEvent, error) {
	dialer := websocket.Dialer{Subprotocols: []string{string(protocol)}}
	conn, _, err := dialer.DialContext(ctx, host, nil)
	if err != nil {
		return nil, &Error{Kind: KindSubrequestHTTP, Subgraph: host, Err: err}
	}

	initType, subscribeType, nextType, completeType := protocolMessageTypes(protocol)

	if err := conn.WriteJSON(map[string]any{"type": initType}); err != nil {
		conn.Close()
		return nil, &Error{Kind: KindInternal, Subgraph: host, Err: err}
	}

	subID := uuid.NewString()
	payload := map[string]any{"query": query}
	if variables != nil {
		payload["variables"] = variables
	}
	if err := conn.WriteJSON(map[string]any{"id": subID, "type": subscribeType, "payload": payload}); err != nil {
		conn.Close()
		return nil, &Error{Kind: KindInternal, Subgraph: host, Err: err}
	}

	events := make(chan SubscriptionEvent)
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var msg struct {
				ID      string          `json:"id"`
				Type    string          `json:"type"`
				Payload json.RawMessage `json:"payload"`
			}
			select {
			case <-ctx.Done():
				conn.WriteJSON(map[string]any{"id": subID, "type": completeType})
				return
			default:
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != nextType || msg.ID != subID {
				continue
			}
			var ev SubscriptionEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

func protocolMessageTypes(protocol WSProtocol) (initType, subscribeType, nextType, completeType string) {
	if protocol == ProtocolGraphQLWS {
		return "connection_init", "start", "data", "stop"
	}
	return "connection_init", "subscribe", "next", "complete"
}

// CallbackRegistration is the payload sent to a subgraph to register a
// callback-mode subscription, per the federation subscription callback
// protocol.
type CallbackRegistration struct {
	Query        string         `json:"query"`
	Variables    map[string]any `json:"variables,omitempty"`
	CallbackURL  string         `json:"callback_url"`
	SubscriptionID string       `json:"subscription_id"`
	Verifier     string         `json:"verifier"`
}

// DeriveWebSocketURL maps a subgraph's HTTP URL onto the WebSocket
// scheme passthrough subscriptions dial: http becomes ws, https becomes
// wss, anything already ws/wss passes through.
func DeriveWebSocketURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", fmt.Errorf("subgraphfetch: invalid subgraph url %q: %w", httpURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// DeduplicatedSubscriptionID returns the deterministic subscription id
// for a request: the sha256 of the query, variables, and the headers not
// on the ignore list. Two clients subscribing to the same data under the
// same identity collapse onto one upstream subscription.
func DeduplicatedSubscriptionID(query string, variables map[string]any, headers http.Header, ignoredHeaders []string) string {
	h := sha256.New()
	h.Write([]byte(query))
	if variables != nil {
		if raw, err := json.Marshal(variables); err == nil {
			h.Write(raw)
		}
	}
	ignored := make(map[string]bool, len(ignoredHeaders))
	for _, name := range ignoredHeaders {
		ignored[http.CanonicalHeaderKey(name)] = true
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		if !ignored[http.CanonicalHeaderKey(name)] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte(name))
		for _, v := range headers[name] {
			h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewCallbackRegistration builds a registration payload with a random
// subscription id and an HMAC verifier over that id, keyed by secret, so
// the gateway can authenticate pushes later arriving at the callback URL.
func NewCallbackRegistration(query string, variables map[string]any, callbackBaseURL, secret string) CallbackRegistration {
	return NewCallbackRegistrationWithID(query, variables, callbackBaseURL, secret, uuid.NewString())
}

// NewCallbackRegistrationWithID is NewCallbackRegistration with a caller
// supplied subscription id, used when deduplication derives the id from
// the request instead of rolling a random one.
func NewCallbackRegistrationWithID(query string, variables map[string]any, callbackBaseURL, secret, subID string) CallbackRegistration {
	return CallbackRegistration{
		Query:          query,
		Variables:      variables,
		SubscriptionID: subID,
		CallbackURL:    strings.TrimSuffix(callbackBaseURL, "/") + "/callbacks/" + subID,
		Verifier:       SignCallbackID(subID, secret),
	}
}

// SignCallbackID returns the hex-encoded HMAC-SHA256 of id keyed by
// secret, used both when registering a callback subscription and when
// verifying an inbound push actually came from the subgraph that holds
// that secret.
func SignCallbackID(id, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallback reports whether signature is the correct HMAC of id under
// secret, using constant-time comparison.
func VerifyCallback(id, signature, secret string) bool {
	expected := SignCallbackID(id, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// RegisterCallbackSubscription POSTs reg to the subgraph's subscription
// registration endpoint.
func RegisterCallbackSubscription(ctx context.Context, client *http.Client, subgraphHost string, reg CallbackRegistration) error {
	u, err := url.Parse(subgraphHost)
	if err != nil {
		return fmt.Errorf("subgraphfetch: invalid subgraph host %q: %w", subgraphHost, err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/subscriptions"

	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("subgraphfetch: marshal callback registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &Error{Kind: KindSubrequestHTTP, Subgraph: subgraphHost, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &Error{Kind: KindSubrequestHTTP, Subgraph: subgraphHost, Status: resp.StatusCode, Err: fmt.Errorf("callback registration rejected")}
	}
	return nil
}
