package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainfetch/internal/core/config"
	"github.com/vietddude/chainfetch/internal/core/domain"
	"github.com/vietddude/chainfetch/internal/core/retry"
	"github.com/vietddude/chainfetch/internal/infra/etherscan"
	"github.com/vietddude/chainfetch/internal/infra/rpc"
	"github.com/vietddude/chainfetch/internal/infra/sink"
)

const (
	goodToken = "0x1111111111111111111111111111111111111111"
	badToken  = "0x2222222222222222222222222222222222222222"

	transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"
	fromTopic     = "0x000000000000000000000000aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	toTopic       = "0x000000000000000000000000bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

const erc20ABI = `[
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}]}
]`

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func hexToUint(t *testing.T, s string) uint64 {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	require.NoError(t, err)
	return n
}

// newChainServer fakes a node: goodToken has one Transfer every 50 blocks,
// badToken fails every log query, and the head is block 5.
func newChainServer(t *testing.T) *httptest.Server {
	return newChainServerAt(t, 5)
}

func newChainServerAt(t *testing.T, head uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		reply := func(result any) {
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
		}
		fail := func(code int, msg string) {
			json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": code, "message": msg}})
		}

		switch req.Method {
		case "eth_getLogs":
			var filter struct {
				Address   string `json:"address"`
				FromBlock string `json:"fromBlock"`
				ToBlock   string `json:"toBlock"`
			}
			require.NoError(t, json.Unmarshal(req.Params[0], &filter))
			if filter.Address == badToken {
				fail(-32000, "header not found")
				return
			}
			from, to := hexToUint(t, filter.FromBlock), hexToUint(t, filter.ToBlock)
			logs := []map[string]any{}
			for b := from; b <= to; b++ {
				if b%50 != 0 {
					continue
				}
				logs = append(logs, map[string]any{
					"address":          filter.Address,
					"topics":           []string{transferTopic, fromTopic, toTopic},
					"data":             fmt.Sprintf("0x%064x", b),
					"blockNumber":      fmt.Sprintf("0x%x", b),
					"blockHash":        "0x" + strings.Repeat("11", 32),
					"transactionHash":  "0x" + strings.Repeat("22", 32),
					"transactionIndex": "0x0",
					"logIndex":         "0x0",
					"removed":          false,
				})
			}
			reply(logs)
		case "eth_blockNumber":
			reply(fmt.Sprintf("0x%x", head))
		case "eth_getBlockByNumber":
			var tag string
			require.NoError(t, json.Unmarshal(req.Params[0], &tag))
			reply(map[string]any{
				"number":       tag,
				"hash":         "0xhash" + tag,
				"timestamp":    "0x10",
				"transactions": []string{"0xa"},
			})
		default:
			fail(-32601, "method not found")
		}
	}))
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	t.Setenv(config.EnvProviderURI, "")
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Fetch.Ladder = []uint64{100, 10, 1}
	cfg.Fetch.Parallelism = 4
	fast := retry.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	cfg.Retry, cfg.Sample.Retry, cfg.Paginate.Retry, cfg.Blocks.Retry = fast, fast, fast, fast
	return cfg
}

func newTestApp(t *testing.T, cfg *config.AppConfig, nodeURL string, explorer *etherscan.Client) *App {
	t.Helper()
	var client *rpc.Client
	if nodeURL != "" {
		c, err := rpc.NewClientFromConfig([]rpc.ProviderConfig{{Name: "node", URL: nodeURL}})
		require.NoError(t, err)
		client = c
	}
	app := NewWithClients(cfg, client, explorer, nil)
	t.Cleanup(func() { app.Close() })
	return app
}

func writeABI(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "erc20.json")
	require.NoError(t, os.WriteFile(path, []byte(erc20ABI), 0o644))
	return path
}

func readGzipLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)

	var lines []string
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestFetchAllEvents_FailingTaskDoesNotStopOthers(t *testing.T) {
	srv := newChainServer(t)
	defer srv.Close()

	dir := t.TempDir()
	abiPath := writeABI(t, dir)
	app := newTestApp(t, testConfig(t), srv.URL, nil)

	tasks := []config.TaskSpec{
		{Name: "good", Address: goodToken, ABI: abiPath, StartBlock: 1, EndBlock: ptr(uint64(250))},
		{Name: "bad", Address: badToken, ABI: abiPath, StartBlock: 1, EndBlock: ptr(uint64(30))},
	}

	err := app.FetchAllEvents(context.Background(), tasks, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task bad")
	assert.NotContains(t, err.Error(), "task good")

	lines := readGzipLines(t, filepath.Join(dir, "out", "good.jsonl.gz"))
	require.Len(t, lines, 5)

	var first domain.LogRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, uint64(50), first.BlockNumber)
	assert.Equal(t, "Transfer", first.Event)
	assert.Equal(t, "50", first.Args["value"])

	var last domain.LogRecord
	require.NoError(t, json.Unmarshal([]byte(lines[4]), &last))
	assert.Equal(t, uint64(250), last.BlockNumber)
}

func TestFetchAllEvents_OpenEndedTaskStopsAtHead(t *testing.T) {
	srv := newChainServerAt(t, 120)
	defer srv.Close()

	dir := t.TempDir()
	app := newTestApp(t, testConfig(t), srv.URL, nil)

	tasks := []config.TaskSpec{
		{Name: "open", Address: goodToken, ABI: writeABI(t, dir), StartBlock: 1},
	}
	require.NoError(t, app.FetchAllEvents(context.Background(), tasks, dir))

	lines := readGzipLines(t, filepath.Join(dir, "open.jsonl.gz"))
	require.Len(t, lines, 2)

	var last domain.LogRecord
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.Equal(t, uint64(100), last.BlockNumber)
}

func TestFetchEvents_ExplicitEndIgnoresHead(t *testing.T) {
	srv := newChainServerAt(t, 1000)
	defer srv.Close()

	dir := t.TempDir()
	out := filepath.Join(dir, "events.jsonl.gz")
	app := newTestApp(t, testConfig(t), srv.URL, nil)

	err := app.FetchEvents(context.Background(), EventsRequest{
		Address: goodToken,
		ABIPath: writeABI(t, dir),
		Start:   40,
		End:     ptr(uint64(160)),
		Output:  out,
	})
	require.NoError(t, err)
	assert.Len(t, readGzipLines(t, out), 3)
}

func ptr[T any](v T) *T { return &v }

func TestFetchEvents_NoProvider(t *testing.T) {
	app := newTestApp(t, testConfig(t), "", nil)
	err := app.FetchEvents(context.Background(), EventsRequest{Address: goodToken, Output: "-"})
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestFetchBlocks_CSV(t *testing.T) {
	srv := newChainServer(t)
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "blocks.csv")
	app := newTestApp(t, testConfig(t), srv.URL, nil)

	err := app.FetchBlocks(context.Background(), BlocksRequest{
		Start:  3,
		Fields: []string{"number", "hash", "transactions_count"},
		Output: out,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "number,hash,transactions_count\n3,0xhash0x3,1\n4,0xhash0x4,1\n5,0xhash0x5,1\n", string(data))
}

func TestFetchTransactions(t *testing.T) {
	var pages []string
	explorerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		pages = append(pages, q.Get("page"))
		assert.Equal(t, "txlist", q.Get("action"))
		if q.Get("page") == "1" {
			fmt.Fprint(w, `{"status":"1","message":"OK","result":[
				{"hash":"0x1","blockNumber":"10"},
				{"hash":"0x2","blockNumber":"11"},
				{"hash":"0x1","blockNumber":"10"}]}`)
			return
		}
		fmt.Fprint(w, `{"status":"0","message":"No transactions found","result":[]}`)
	}))
	defer explorerSrv.Close()

	getter, err := rpc.NewClientFromConfig([]rpc.ProviderConfig{{Name: "explorer", URL: explorerSrv.URL}})
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "txs.csv")
	app := newTestApp(t, testConfig(t), "", etherscan.NewClient(getter, "key"))

	require.NoError(t, app.FetchTransactions(context.Background(), TransactionsRequest{Address: goodToken, Output: out}))
	assert.Equal(t, []string{"1", "2"}, pages)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "blockNumber,hash\n10,0x1\n11,0x2\n", string(data))
}

func TestResume_RequiresRedis(t *testing.T) {
	app := newTestApp(t, testConfig(t), "", nil)
	_, err := app.Resume(context.Background(), ResumeRequest{Task: config.TaskSpec{Name: "usdc"}})
	assert.ErrorIs(t, err, ErrNoRedis)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, sink.FormatCSV, formatFor("blocks.csv"))
	assert.Equal(t, sink.FormatCSV, formatFor("s3://b/blocks.csv.gz"))
	assert.Equal(t, sink.FormatJSONL, formatFor("events.jsonl.gz"))
	assert.Equal(t, sink.FormatJSONL, formatFor("-"))
}

func TestRecordColumns(t *testing.T) {
	cols := recordColumns([]domain.Record{{"hash": "0x1", "to": "0xb"}, {"hash": "0x2", "from": "0xa"}})
	assert.Equal(t, []string{"from", "hash", "to"}, cols)
	assert.Equal(t, []string{"hash"}, recordColumns(nil))
}

func TestResumeOutput(t *testing.T) {
	rng := domain.FetchRange{Start: 12000, End: 20000}
	assert.Equal(t, "usdc.12000-20000.jsonl.gz", resumeOutput("", "usdc", rng))
	assert.Equal(t, "out/x.12000-20000.jsonl.gz", resumeOutput("out/x", "usdc", rng))
}
