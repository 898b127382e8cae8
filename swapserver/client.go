package swapserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	// ErrRequestTimeout is returned when the server does not answer a
	// request within requestTimeout.
	ErrRequestTimeout = errors.New("swap server request timeout")

	// ErrNotConnected is returned when a request is made while the
	// stream is down.
	ErrNotConnected = errors.New("swap server not connected")
)

const (
	// requestTimeout caps how long we wait for a correlated response.
	requestTimeout = 30 * time.Second

	// reconnectBackoff is the delay between reconnection attempts.
	reconnectBackoff = 5 * time.Second

	// handshakeTimeout caps the websocket dial.
	handshakeTimeout = 15 * time.Second

	// pingInterval keeps the connection alive through proxies.
	pingInterval = 30 * time.Second

	// writeTimeout caps a single frame write.
	writeTimeout = 10 * time.Second

	// updateBufferSize is the capacity of the status update channel.
	// Handlers drain it continuously, the buffer only absorbs bursts
	// right after a reconnect.
	updateBufferSize = 32
)

// request is a correlated JSON request frame.
type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is the envelope of every inbound frame. Correlated responses
// carry an id, status pushes carry an event name instead.
type response struct {
	ID     uint64          `json:"id,omitempty"`
	Event  string          `json:"event,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Client talks to the swap server over a single websocket that carries
// correlated requests and pushed status events. It implements Swapper and
// StatusStream.
type Client struct {
	serverURL string
	dialer    *websocket.Dialer

	// UserAgent is sent on every dial when set, identifying the client
	// software to the server.
	UserAgent string

	// connMtx guards conn and writes to it. The websocket package
	// permits one concurrent writer only.
	connMtx sync.Mutex
	conn    *websocket.Conn

	// reqMtx guards nextID and pending.
	reqMtx  sync.Mutex
	nextID  uint64
	pending map[uint64]chan *response

	// trackMtx guards tracked, the set of swap ids the server should
	// push status events for. Re-sent after every reconnect.
	trackMtx sync.Mutex
	tracked  map[string]struct{}

	updates chan *StatusUpdate

	reconnectHandler ReconnectHandler
}

// NewClient creates a swap server client for the given websocket endpoint.
// The optional reconnect handler is notified after every successful
// reconnect so missed updates can be reconciled.
func NewClient(serverURL string, handler ReconnectHandler) *Client {
	return &Client{
		serverURL: serverURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		pending:          make(map[uint64]chan *response),
		tracked:          make(map[string]struct{}),
		updates:          make(chan *StatusUpdate, updateBufferSize),
		reconnectHandler: handler,
	}
}

// Start runs the connection loop until the shutdown channel closes or the
// context is cancelled. Part of the StatusStream interface.
func (c *Client) Start(ctx context.Context, shutdown <-chan struct{}) {
	first := true
	for {
		select {
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := c.connect(ctx)
		if err != nil {
			log.Errorf("Swap server connection failed: %v", err)
		} else {
			if !first && c.reconnectHandler != nil {
				c.reconnectHandler.OnStreamReconnect()
			}
			first = false

			// readLoop blocks until the connection dies.
			c.readLoop(ctx, shutdown)
		}

		c.teardown()

		select {
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// connect dials the server and re-subscribes to all tracked swaps.
func (c *Client) connect(ctx context.Context) error {
	var headers http.Header
	if c.UserAgent != "" {
		headers = http.Header{"User-Agent": []string{c.UserAgent}}
	}

	conn, _, err := c.dialer.DialContext(ctx, c.serverURL, headers)
	if err != nil {
		return fmt.Errorf("dial %v: %w", c.serverURL, err)
	}

	c.connMtx.Lock()
	c.conn = conn
	c.connMtx.Unlock()

	log.Infof("Connected to swap server %v", c.serverURL)

	c.trackMtx.Lock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	c.trackMtx.Unlock()

	if len(ids) > 0 {
		log.Debugf("Re-subscribing to %d swaps", len(ids))
		err := c.subscribe(ids)
		if err != nil {
			return fmt.Errorf("re-subscribe: %w", err)
		}
	}

	return nil
}

// teardown closes the connection and fails all in-flight requests.
func (c *Client) teardown() {
	c.connMtx.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMtx.Unlock()

	c.reqMtx.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.reqMtx.Unlock()
}

// readLoop dispatches inbound frames until the connection fails.
func (c *Client) readLoop(ctx context.Context, shutdown <-chan struct{}) {
	c.connMtx.Lock()
	conn := c.conn
	c.connMtx.Unlock()
	if conn == nil {
		return
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go c.pingLoop(conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-shutdown:
			case <-ctx.Done():
			default:
				log.Errorf("Swap server stream read: %v", err)
			}
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Warnf("Undecodable server frame: %v", err)
			continue
		}

		switch {
		case resp.Event == "update":
			c.dispatchUpdate(ctx, shutdown, resp.Args)

		case resp.ID != 0:
			c.reqMtx.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.reqMtx.Unlock()

			if !ok {
				log.Warnf("Response for unknown request %d",
					resp.ID)
				continue
			}
			ch <- &resp

		default:
			log.Debugf("Ignoring server frame: %s", data)
		}
	}
}

// pingLoop keeps the connection alive until done closes.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.connMtx.Lock()
			err := conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(writeTimeout),
			)
			c.connMtx.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatchUpdate decodes and forwards pushed status events.
func (c *Client) dispatchUpdate(ctx context.Context,
	shutdown <-chan struct{}, args json.RawMessage) {

	var events []*StatusUpdate
	if err := json.Unmarshal(args, &events); err != nil {
		log.Warnf("Undecodable status update: %v", err)
		return
	}

	for _, event := range events {
		log.Debugf("Swap %v status %v", event.ID, event.Status)

		select {
		case c.updates <- event:
		case <-shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Updates returns the status event channel. Part of the StatusStream
// interface.
func (c *Client) Updates() <-chan *StatusUpdate {
	return c.updates
}

// TrackSwapID subscribes to status events for a swap. The subscription
// survives reconnects. Part of the StatusStream interface.
func (c *Client) TrackSwapID(swapID string) error {
	c.trackMtx.Lock()
	_, exists := c.tracked[swapID]
	c.tracked[swapID] = struct{}{}
	c.trackMtx.Unlock()

	if exists {
		return nil
	}

	return c.subscribe([]string{swapID})
}

// subscribe registers swap ids for status pushes. Subscribe frames carry no
// id, the server acknowledges implicitly by starting to push.
func (c *Client) subscribe(ids []string) error {
	frame := struct {
		Op      string   `json:"op"`
		Channel string   `json:"channel"`
		Args    []string `json:"args"`
	}{
		Op:      "subscribe",
		Channel: "swap.update",
		Args:    ids,
	}

	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(&frame)
}

// call sends a correlated request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params,
	result interface{}) error {

	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return err
		}
	}

	c.reqMtx.Lock()
	c.nextID++
	id := c.nextID
	respChan := make(chan *response, 1)
	c.pending[id] = respChan
	c.reqMtx.Unlock()

	cleanup := func() {
		c.reqMtx.Lock()
		delete(c.pending, id)
		c.reqMtx.Unlock()
	}

	req := &request{
		ID:     id,
		Method: method,
		Params: rawParams,
	}

	c.connMtx.Lock()
	if c.conn == nil {
		c.connMtx.Unlock()
		cleanup()
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(req)
	c.connMtx.Unlock()
	if err != nil {
		cleanup()
		return fmt.Errorf("write %v: %w", method, err)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return ErrNotConnected
		}
		if resp.Error != "" {
			return fmt.Errorf("%v: %v", method, resp.Error)
		}
		if result != nil {
			return json.Unmarshal(resp.Result, result)
		}
		return nil

	case <-time.After(requestTimeout):
		cleanup()
		return ErrRequestTimeout

	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	}
}

// callRaw is call with the verbatim result blob returned alongside the
// decoded value, for responses that must be persisted as received.
func (c *Client) callRaw(ctx context.Context, method string, params,
	result interface{}) (string, error) {

	var raw json.RawMessage
	err := c.call(ctx, method, params, &raw)
	if err != nil {
		return "", err
	}

	if err := json.Unmarshal(raw, result); err != nil {
		return "", err
	}

	return string(raw), nil
}

// CreateSendSwap creates a send swap offer. Part of the Swapper interface.
func (c *Client) CreateSendSwap(ctx context.Context,
	req *CreateSendSwapRequest) (*CreateSendSwapResponse, error) {

	var resp CreateSendSwapResponse
	raw, err := c.callRaw(ctx, "swap.create.submarine", req, &resp)
	if err != nil {
		return nil, err
	}
	resp.Raw = raw

	log.Infof("Created send swap %v, lockup %v, amount %v", resp.ID,
		resp.LockupAddress, resp.ExpectedAmount)

	return &resp, nil
}

// CreateReceiveSwap creates a receive swap offer. Part of the Swapper
// interface.
func (c *Client) CreateReceiveSwap(ctx context.Context,
	req *CreateReceiveSwapRequest) (*CreateReceiveSwapResponse, error) {

	var resp CreateReceiveSwapResponse
	raw, err := c.callRaw(ctx, "swap.create.reverse", req, &resp)
	if err != nil {
		return nil, err
	}
	resp.Raw = raw

	log.Infof("Created receive swap %v, lockup %v, amount %v", resp.ID,
		resp.LockupAddress, resp.OnchainAmount)

	return &resp, nil
}

// CreateChainSwap creates a chain swap offer. Part of the Swapper
// interface.
func (c *Client) CreateChainSwap(ctx context.Context,
	req *CreateChainSwapRequest) (*CreateChainSwapResponse, error) {

	var resp CreateChainSwapResponse
	raw, err := c.callRaw(ctx, "swap.create.chain", req, &resp)
	if err != nil {
		return nil, err
	}
	resp.Raw = raw

	log.Infof("Created chain swap %v, lockup %v, claim %v", resp.ID,
		resp.LockupLeg.LockupAddress, resp.ClaimLeg.LockupAddress)

	return &resp, nil
}

// GetPair returns the current fee schedule for a swap kind. Part of the
// Swapper interface.
func (c *Client) GetPair(ctx context.Context, swapKind string) (
	*Pair, error) {

	params := struct {
		Kind string `json:"kind"`
	}{Kind: swapKind}

	var resp Pair
	err := c.call(ctx, "swap.pair", &params, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// GetClaimTxDetails fetches the server's cooperative claim offer for a
// send swap. Part of the Swapper interface.
func (c *Client) GetClaimTxDetails(ctx context.Context, swapID string) (
	*ClaimTxDetails, error) {

	params := struct {
		ID string `json:"id"`
	}{ID: swapID}

	var resp ClaimTxDetails
	err := c.call(ctx, "swap.submarine.claim.details", &params, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// SendClaimSignature completes a cooperative send swap claim. Part of the
// Swapper interface.
func (c *Client) SendClaimSignature(ctx context.Context, swapID, pubNonce,
	partialSig string) error {

	params := struct {
		ID               string `json:"id"`
		PubNonce         string `json:"pubNonce"`
		PartialSignature string `json:"partialSignature"`
	}{
		ID:               swapID,
		PubNonce:         pubNonce,
		PartialSignature: partialSig,
	}

	return c.call(ctx, "swap.submarine.claim.sign", &params, nil)
}

// GetClaimPartialSig obtains the server's partial signature for our claim
// tx, revealing the preimage. Part of the Swapper interface.
func (c *Client) GetClaimPartialSig(ctx context.Context, swapID string,
	preimage lntypes.Preimage, pubNonce, sigHash string) (
	*PartialSigDetails, error) {

	params := struct {
		ID              string `json:"id"`
		Preimage        string `json:"preimage"`
		PubNonce        string `json:"pubNonce"`
		TransactionHash string `json:"transactionHash"`
	}{
		ID:              swapID,
		Preimage:        hex.EncodeToString(preimage[:]),
		PubNonce:        pubNonce,
		TransactionHash: sigHash,
	}

	var resp PartialSigDetails
	err := c.call(ctx, "swap.claim.sign", &params, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// GetRefundPartialSig obtains the server's partial signature for our
// refund tx. Part of the Swapper interface.
func (c *Client) GetRefundPartialSig(ctx context.Context, swapID, pubNonce,
	sigHash string) (*PartialSigDetails, error) {

	params := struct {
		ID              string `json:"id"`
		PubNonce        string `json:"pubNonce"`
		TransactionHash string `json:"transactionHash"`
	}{
		ID:              swapID,
		PubNonce:        pubNonce,
		TransactionHash: sigHash,
	}

	var resp PartialSigDetails
	err := c.call(ctx, "swap.refund.sign", &params, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}
