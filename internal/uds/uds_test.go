package uds

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), DefaultSocketName)
	srv := NewServer(sock, testLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, sock
}

func TestRequestResponseRoundTrip(t *testing.T) {
	srv, sock := startServer(t)
	srv.Handle(CmdStatus, func(req *Request) *Response {
		return SuccessResponse(map[string]any{"state": "idle"})
	})

	client := NewClient(sock)
	resp, err := client.SendCommand(CmdStatus, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %+v", resp.Error)
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data["state"] != "idle" {
		t.Errorf("state = %q, want idle", data["state"])
	}
}

func TestParamsReachHandler(t *testing.T) {
	srv, sock := startServer(t)
	srv.Handle(CmdQueueAdd, func(req *Request) *Response {
		var params struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(map[string]string{"job_id": params.JobID})
	})

	client := NewClient(sock)
	resp, err := client.SendCommand(CmdQueueAdd, map[string]string{"job_id": "job_1700000001_0000002a"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %+v", resp.Error)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, sock := startServer(t)

	client := NewClient(sock)
	resp, err := client.SendCommand("make-coffee", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success {
		t.Fatal("expected failure for unknown command")
	}
	if resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("code = %q, want %q", resp.Error.Code, ErrCodeUnknownCommand)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	_, sock := startServer(t)

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := &Request{ProtocolVersion: ProtocolVersion + 1, Command: CmdStatus}
	if err := WriteFrame(conn, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected protocol mismatch, got %+v", resp)
	}
}

func TestHandlerPanicDoesNotKillServer(t *testing.T) {
	srv, sock := startServer(t)
	srv.Handle(CmdStart, func(req *Request) *Response {
		panic("handler exploded")
	})
	srv.Handle(CmdPing, func(req *Request) *Response {
		return SuccessResponse(nil)
	})

	client := NewClient(sock)
	client.SetTimeout(time.Second)
	// the panicking handler drops the connection; Send fails on read
	if _, err := client.SendCommand(CmdStart, nil); err == nil {
		t.Log("panic handler still produced a response")
	}

	client.SetTimeout(5 * time.Second)
	resp, err := client.SendCommand(CmdPing, nil)
	if err != nil {
		t.Fatalf("server died after panic: %v", err)
	}
	if !resp.Success {
		t.Fatalf("ping failed after panic: %+v", resp.Error)
	}
}

func TestStopRemovesSocket(t *testing.T) {
	srv, sock := startServer(t)
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := net.Dial("unix", sock); err == nil {
		t.Error("socket still accepting after stop")
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	_, sock := startServer(t)

	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// announce an 11MB frame; the server must drop the connection
	if _, err := conn.Write([]byte{0x00, 0xB0, 0x00, 0x00}); err != nil {
		t.Fatalf("write length: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Logf("read after oversized frame: %v", err)
	}
}
