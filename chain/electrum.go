package chain

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// electrumProtocolVersion is the protocol version negotiated on
	// connect.
	electrumProtocolVersion = "1.4"

	// electrumDialTimeout bounds the initial connection attempt.
	electrumDialTimeout = 10 * time.Second

	// electrumCallTimeout bounds a single request/response round trip.
	electrumCallTimeout = 30 * time.Second
)

// electrumClient is the indexer-style transport. It speaks the electrum
// JSON-RPC protocol over a single TCP or TLS connection. The underlying
// connection supports only one in-flight call, so all requests are
// serialized under the client mutex.
type electrumClient struct {
	// mu serializes calls on the connection and guards the request id
	// counter.
	mu sync.Mutex

	conn    net.Conn
	reader  *bufio.Reader
	nextID  uint64
	userAgt string
}

type electrumRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type electrumResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// newElectrumClient connects to an electrum server. URLs take the form
// host:port for plaintext or ssl://host:port for TLS.
func newElectrumClient(url string) (*electrumClient, error) {
	var (
		conn net.Conn
		err  error
	)

	addr, useTLS := strings.CutPrefix(url, "ssl://")
	if useTLS {
		dialer := &net.Dialer{Timeout: electrumDialTimeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			// Electrum servers commonly use self-signed
			// certificates, server identity is not part of the
			// trust model here.
			InsecureSkipVerify: true,
		})
	} else {
		conn, err = net.DialTimeout("tcp", addr, electrumDialTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("electrum dial %v: %w", url, err)
	}

	c := &electrumClient{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		userAgt: "tideswap",
	}

	var version []string
	err = c.call(context.Background(), "server.version",
		[]interface{}{c.userAgt, electrumProtocolVersion}, &version)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("electrum handshake: %w", err)
	}

	return c, nil
}

// call performs a single JSON-RPC round trip. Request ids increase
// monotonically so responses can be matched to requests.
func (c *electrumClient) call(ctx context.Context, method string,
	params []interface{}, result interface{}) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := electrumRequest{
		ID:     c.nextID,
		Method: method,
		Params: params,
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')

	deadline := time.Now().Add(electrumCallTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok &&
		ctxDeadline.Before(deadline) {

		deadline = ctxDeadline
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}

	if _, err := c.conn.Write(payload); err != nil {
		return fmt.Errorf("electrum write: %w", err)
	}

	// Read lines until we see our response id. Server-initiated
	// notifications (e.g. header subscriptions) are skipped.
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("electrum read: %w", err)
		}

		var resp electrumResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("electrum decode: %w", err)
		}

		if resp.ID != req.ID {
			continue
		}

		if len(resp.Error) != 0 && string(resp.Error) != "null" {
			return fmt.Errorf("electrum %v: %v", method,
				string(resp.Error))
		}

		return json.Unmarshal(resp.Result, result)
	}
}

// scriptHash returns the electrum script hash of a pkScript: the sha256 of
// the script in reversed byte order, hex encoded.
func scriptHash(pkScript []byte) string {
	hash := sha256.Sum256(pkScript)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}

	return hex.EncodeToString(hash[:])
}

func (c *electrumClient) tip(ctx context.Context) (uint32, error) {
	var result struct {
		Height int64 `json:"height"`
	}
	err := c.call(ctx, "blockchain.headers.subscribe", nil, &result)
	if err != nil {
		return 0, err
	}

	return uint32(result.Height), nil
}

func (c *electrumClient) broadcast(ctx context.Context, tx *wire.MsgTx) (
	*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	var txidHex string
	err := c.call(ctx, "blockchain.transaction.broadcast",
		[]interface{}{hex.EncodeToString(buf.Bytes())}, &txidHex)
	if err != nil {
		return nil, err
	}

	return chainhash.NewHashFromStr(txidHex)
}

func (c *electrumClient) getTransaction(ctx context.Context,
	txid chainhash.Hash) (*wire.MsgTx, error) {

	var rawHex string
	err := c.call(ctx, "blockchain.transaction.get",
		[]interface{}{txid.String(), false}, &rawHex)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, err
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	return tx, nil
}

func (c *electrumClient) getScriptHistory(ctx context.Context,
	pkScript []byte) ([]History, error) {

	var result []struct {
		TxHash string `json:"tx_hash"`
		Height int32  `json:"height"`
	}
	err := c.call(ctx, "blockchain.scripthash.get_history",
		[]interface{}{scriptHash(pkScript)}, &result)
	if err != nil {
		return nil, err
	}

	history := make([]History, 0, len(result))
	for _, entry := range result {
		txid, err := chainhash.NewHashFromStr(entry.TxHash)
		if err != nil {
			return nil, err
		}
		history = append(history, History{
			TxID:   *txid,
			Height: entry.Height,
		})
	}

	return history, nil
}

func (c *electrumClient) getScriptUtxos(ctx context.Context,
	pkScript []byte) ([]Utxo, error) {

	var result []struct {
		TxHash string `json:"tx_hash"`
		TxPos  uint32 `json:"tx_pos"`
		Value  int64  `json:"value"`
		Height int32  `json:"height"`
	}
	err := c.call(ctx, "blockchain.scripthash.listunspent",
		[]interface{}{scriptHash(pkScript)}, &result)
	if err != nil {
		return nil, err
	}

	utxos := make([]Utxo, 0, len(result))
	for _, entry := range result {
		txid, err := chainhash.NewHashFromStr(entry.TxHash)
		if err != nil {
			return nil, err
		}
		utxos = append(utxos, Utxo{
			OutPoint: wire.OutPoint{
				Hash:  *txid,
				Index: entry.TxPos,
			},
			Value:  btcutil.Amount(entry.Value),
			Height: entry.Height,
		})
	}

	return utxos, nil
}

func (c *electrumClient) scriptBalance(ctx context.Context,
	pkScript []byte) (*ScriptBalance, error) {

	var result struct {
		Confirmed   int64 `json:"confirmed"`
		Unconfirmed int64 `json:"unconfirmed"`
	}
	err := c.call(ctx, "blockchain.scripthash.get_balance",
		[]interface{}{scriptHash(pkScript)}, &result)
	if err != nil {
		return nil, err
	}

	return &ScriptBalance{
		Confirmed:   btcutil.Amount(result.Confirmed),
		Unconfirmed: btcutil.Amount(result.Unconfirmed),
	}, nil
}

func (c *electrumClient) estimateFees(ctx context.Context) (
	*RecommendedFees, error) {

	// Electrum returns BTC/kB estimates, -1 when no estimate is
	// available.
	estimate := func(target int) (btcutil.Amount, error) {
		var btcPerKb float64
		err := c.call(ctx, "blockchain.estimatefee",
			[]interface{}{target}, &btcPerKb)
		if err != nil {
			return 0, err
		}
		if btcPerKb <= 0 {
			return 1, nil
		}

		amt, err := btcutil.NewAmount(btcPerKb / 1000)
		if err != nil {
			return 0, err
		}
		if amt < 1 {
			amt = 1
		}

		return amt, nil
	}

	fastest, err := estimate(1)
	if err != nil {
		return nil, err
	}
	halfHour, err := estimate(3)
	if err != nil {
		return nil, err
	}
	hour, err := estimate(6)
	if err != nil {
		return nil, err
	}
	economy, err := estimate(25)
	if err != nil {
		return nil, err
	}

	return &RecommendedFees{
		FastestFee:  fastest,
		HalfHourFee: halfHour,
		HourFee:     hour,
		EconomyFee:  economy,
		MinimumFee:  1,
	}, nil
}

func (c *electrumClient) isAvailable(ctx context.Context) bool {
	var response string
	err := c.call(ctx, "server.ping", nil, &response)
	return err == nil
}

func (c *electrumClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.Close()
}
