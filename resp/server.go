// Package resp is a minimal RESP2 (Redis serialization protocol) front door
// over a frontend.Adapter, adapted from the teacher's cmd/redis-server: the
// same array-of-bulk-strings parser and reply formatters, rewired to
// uint64 keys and a replicated adapter instead of a local-only DB.
package resp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/epokhe/raftcask/core"
	"github.com/epokhe/raftcask/frontend"
)

// Serve accepts connections on listener until it's closed, handling each one
// with the RESP command set described in the component design: SET, GET,
// DEL, RANGE, PING.
func Serve(listener net.Listener, adapter *frontend.Adapter, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go handleConnection(conn, adapter, logger)
	}
}

func handleConnection(conn net.Conn, adapter *frontend.Adapter, logger *zap.SugaredLogger) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	defer writer.Flush()

	for {
		args, err := parseRESP(reader)
		if err != nil {
			if err == io.EOF {
				return
			}
			logger.Warnw("resp parse error", "err", err)
			writer.WriteString(writeError("ERR parse error"))
			writer.Flush()
			continue
		}

		response := executeCommand(adapter, args)

		if _, err := writer.WriteString(response); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// parseRESP reads one RESP array-of-bulk-strings command, e.g.
// *3\r\n$3\r\nSET\r\n$1\r\n1\r\n$1\r\na\r\n -> ["SET", "1", "a"].
func parseRESP(reader *bufio.Reader) ([]string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}

	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != '*' {
		return nil, errors.New("expected array")
	}

	length, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid array length: %w", err)
	}

	args := make([]string, length)
	for i := 0; i < length; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if len(line) == 0 || line[0] != '$' {
			return nil, errors.New("expected bulk string")
		}

		strLen, err := strconv.Atoi(line[1:])
		if err != nil {
			return nil, fmt.Errorf("invalid string length: %w", err)
		}
		if strLen == -1 {
			args[i] = ""
			continue
		}

		data := make([]byte, strLen+2)
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, err
		}
		args[i] = string(data[:strLen])
	}

	return args, nil
}

func executeCommand(adapter *frontend.Adapter, args []string) string {
	if len(args) == 0 {
		return writeError("ERR empty command")
	}
	ctx := context.Background()

	switch strings.ToUpper(args[0]) {
	case "PING":
		return writeSimpleString("PONG")

	case "SET":
		if len(args) != 3 {
			return writeError("ERR wrong number of arguments for 'SET' command")
		}
		key, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return writeError(fmt.Sprintf("ERR invalid key %q", args[1]))
		}
		if err := adapter.Put(ctx, key, []byte(args[2])); err != nil {
			return notLeaderOrErr(err)
		}
		return writeSimpleString("OK")

	case "GET":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'GET' command")
		}
		key, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return writeError(fmt.Sprintf("ERR invalid key %q", args[1]))
		}
		val, err := adapter.Get(key)
		if err != nil {
			return writeError(fmt.Sprintf("ERR %v", err))
		}
		if val == nil {
			return writeNull()
		}
		return writeBulkString(string(val))

	case "DEL":
		if len(args) != 2 {
			return writeError("ERR wrong number of arguments for 'DEL' command")
		}
		key, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return writeError(fmt.Sprintf("ERR invalid key %q", args[1]))
		}
		if err := adapter.Delete(ctx, key); err != nil {
			return notLeaderOrErr(err)
		}
		return writeInteger(1)

	case "RANGE":
		if len(args) != 3 {
			return writeError("ERR wrong number of arguments for 'RANGE' command")
		}
		start, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return writeError(fmt.Sprintf("ERR invalid start %q", args[1]))
		}
		end, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return writeError(fmt.Sprintf("ERR invalid end %q", args[2]))
		}
		kvs, err := adapter.Range(start, end)
		if err != nil {
			return writeError(fmt.Sprintf("ERR %v", err))
		}
		return writeRangeArray(kvs)

	default:
		return writeError(fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func notLeaderOrErr(err error) string {
	var notLeader *frontend.NotLeaderError
	if errors.As(err, &notLeader) {
		if notLeader.LeaderAddr != "" {
			return writeError(fmt.Sprintf("NOTLEADER %s", notLeader.LeaderAddr))
		}
		return writeError("NOTLEADER unknown")
	}
	return writeError(fmt.Sprintf("ERR %v", err))
}

func writeRangeArray(kvs []core.KV) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d\r\n", len(kvs)*2)
	for _, kv := range kvs {
		b.WriteString(writeBulkString(strconv.FormatUint(kv.Key, 10)))
		b.WriteString(writeBulkString(string(kv.Value)))
	}
	return b.String()
}

func writeSimpleString(s string) string { return fmt.Sprintf("+%s\r\n", s) }
func writeBulkString(s string) string   { return fmt.Sprintf("$%d\r\n%s\r\n", len(s), s) }
func writeInteger(i int) string         { return fmt.Sprintf(":%d\r\n", i) }
func writeNull() string                 { return "$-1\r\n" }
func writeError(msg string) string      { return fmt.Sprintf("-%s\r\n", msg) }
