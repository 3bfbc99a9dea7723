package coapfs

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/pkg/errors"
)

func TestLogger_Interface(t *testing.T) {
	var _ Logger = slog.Default()
}

func TestDefaultLogger(t *testing.T) {
	if defaultLogger() == nil {
		t.Fatal("defaultLogger returned nil")
	}
}

// mockLogger records the messages logged at each level.
type mockLogger struct {
	mu    sync.Mutex
	debug []string
	info  []string
	warn  []string
	errs  []string
	args  map[string][]any
}

func (l *mockLogger) Debug(msg string, args ...any) { l.record(&l.debug, msg, args) }
func (l *mockLogger) Info(msg string, args ...any)  { l.record(&l.info, msg, args) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.record(&l.warn, msg, args) }
func (l *mockLogger) Error(msg string, args ...any) { l.record(&l.errs, msg, args) }

func (l *mockLogger) record(level *[]string, msg string, args []any) {
	l.mu.Lock()
	*level = append(*level, msg)
	if l.args == nil {
		l.args = make(map[string][]any)
	}
	l.args[msg] = args
	l.mu.Unlock()
}

// attr returns the value logged under key with the last msg.
func (l *mockLogger) attr(msg, key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	args := l.args[msg]
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == key {
			return args[i+1], true
		}
	}
	return nil, false
}

func (l *mockLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warn...)
}

func TestConn_LogsRejectedResponse(t *testing.T) {
	pipe := newPipeTransport()
	pipe.serve(t, func(req *Message) *Message {
		return piggyback(req, ClassSuccess, 5, `{"items":[]}`)
	})

	logger := &mockLogger{}
	conn, _ := NewConn(pipe, LoggerOption(logger))
	stop := runConn(t, conn)

	err := conn.Do(context.Background(), NewSearch("/", "x", nil))
	stop()

	if err == nil {
		t.Fatal("expected schema error")
	}

	warnings := logger.warnings()
	if len(warnings) != 1 || warnings[0] != "response rejected" {
		t.Errorf("warnings = %v, want [response rejected]", warnings)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.info) < 2 {
		t.Errorf("info = %v, want start and close", logger.info)
	}
}

func TestConn_LogsErrorText(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	closed := make(chan struct{})
	var once sync.Once
	sendErr := errors.Wrap(net.ErrClosed, "write udp")

	transport := NewMockTransport(ctrl)
	transport.EXPECT().RemoteAddr().Return(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5683}).AnyTimes()
	transport.EXPECT().Receive().DoAndReturn(func() ([]byte, error) {
		<-closed
		return nil, net.ErrClosed
	}).AnyTimes()
	transport.EXPECT().Send(gomock.Any()).Return(sendErr)
	transport.EXPECT().Close().DoAndReturn(func() error {
		once.Do(func() { close(closed) })
		return nil
	}).MinTimes(1)

	logger := &mockLogger{}
	conn, _ := NewConn(transport, LoggerOption(logger))
	if err := conn.Write(NewDelete("/a", nil)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_ = conn.Run(context.Background())

	v, ok := logger.attr("connection closed with error", "error")
	if !ok {
		t.Fatal("close error not logged")
	}
	text, isString := v.(string)
	if !isString {
		t.Fatalf("logged error is %T, want string", v)
	}
	if text != sendErr.Error() || strings.Contains(text, "\n") {
		t.Errorf("logged error = %q", text)
	}
}
