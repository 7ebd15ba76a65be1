package extractcache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
	"github.com/nanainternational/nana-renewal-sub000/pkg/types"
)

func sampleResult() *types.ExtractionResult {
	return &types.ExtractionResult{
		SourceURL:    "https://detail.1688.com/offer/1.html",
		Title:        "针织连衣裙",
		MainImages:   []string{"https://cbu01.alicdn.com/img/ibank/a.jpg"},
		DetailImages: []string{"https://cbu01.alicdn.com/img/ibank/b.jpg"},
		DetailVideos: []string{},
		MainMedia:    []types.MediaItem{{Type: types.MediaImage, URL: "https://cbu01.alicdn.com/img/ibank/a.jpg", Selected: true}},
		DetailMedia:  []types.MediaItem{{Type: types.MediaImage, URL: "https://cbu01.alicdn.com/img/ibank/b.jpg", Selected: true}},
		SkuGroups:    []types.SkuGroup{},
		ExtractedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStoreLatestAndExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Hour)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Latest(ctx, "u1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Save(ctx, "u1", sampleResult()))
	got, err := s.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, sampleResult(), got)

	_, err = s.Latest(ctx, "u2")
	assert.ErrorIs(t, err, ErrNotFound)

	now = now.Add(time.Hour)
	_, err = s.Latest(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreIgnoresAnonymous(t *testing.T) {
	s := NewMemoryStore(0)
	require.NoError(t, s.Save(context.Background(), "", sampleResult()))
	assert.Empty(t, s.entries)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	srv := startFakeRedis(t)

	store, err := NewRedisStore(context.Background(), config.RedisConfig{
		Addr:      srv.addr,
		KeyPrefix: "test:",
		TTL:       config.DurationFrom(time.Hour),
	})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.Latest(ctx, "u1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, "u1", sampleResult()))
	assert.Contains(t, srv.keys(), "test:u1")

	got, err := store.Latest(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, sampleResult(), got)
}

func TestNewPicksMemoryWithoutAddr(t *testing.T) {
	store, err := New(context.Background(), config.RedisConfig{})
	require.NoError(t, err)
	_, ok := store.(*MemoryStore)
	assert.True(t, ok)
}

// fakeRedis speaks just enough RESP2 for GET/SET and connection setup.
type fakeRedis struct {
	addr string
	ln   net.Listener

	mu   sync.Mutex
	data map[string]string
}

func startFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeRedis{addr: ln.Addr().String(), ln: ln, data: map[string]string{}}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeRedis) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.data))
	for k := range f.data {
		out = append(out, k)
	}
	return out
}

func (f *fakeRedis) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeRedis) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		f.reply(w, args)
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (f *fakeRedis) reply(w *bufio.Writer, args []string) {
	if len(args) == 0 {
		fmt.Fprint(w, "-ERR empty command\r\n")
		return
	}
	switch strings.ToUpper(args[0]) {
	case "PING":
		fmt.Fprint(w, "+PONG\r\n")
	case "CLIENT", "SELECT", "AUTH":
		fmt.Fprint(w, "+OK\r\n")
	case "SET":
		f.mu.Lock()
		f.data[args[1]] = args[2]
		f.mu.Unlock()
		fmt.Fprint(w, "+OK\r\n")
	case "GET":
		f.mu.Lock()
		v, ok := f.data[args[1]]
		f.mu.Unlock()
		if !ok {
			fmt.Fprint(w, "$-1\r\n")
			return
		}
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	default:
		fmt.Fprintf(w, "-ERR unknown command '%s'\r\n", args[0])
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, "*") {
		return nil, errors.New("expected array")
	}
	count, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, count)
	for i := 0; i < count; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(header, "$") {
			return nil, errors.New("expected bulk string")
		}
		n, err := strconv.Atoi(header[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:n]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}
