package kv

import (
	"bufio"
	"bytes"
	"testing"
)

func TestReadReplySimpleString(t *testing.T) {
	r := bufio.NewReader(respInput("+OK\r\n"))
	v, err := readReply(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "OK" {
		t.Fatalf("got %#v, want \"OK\"", v)
	}
}

func TestReadReplyError(t *testing.T) {
	r := bufio.NewReader(respInput("-ERR bad thing\r\n"))
	_, err := readReply(r)
	if err == nil {
		t.Fatal("expected error")
	}
	re, ok := err.(*ReplyError)
	if !ok {
		t.Fatalf("got %T, want *ReplyError", err)
	}
	if re.Message != "ERR bad thing" {
		t.Fatalf("got %q", re.Message)
	}
}

func TestReadReplyInteger(t *testing.T) {
	r := bufio.NewReader(respInput(":42\r\n"))
	v, err := readReply(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.(int64) != 42 {
		t.Fatalf("got %#v", v)
	}
}

func TestReadReplyBulkString(t *testing.T) {
	r := bufio.NewReader(respInput("$5\r\nhello\r\n"))
	v, err := readReply(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(v.([]byte)) != "hello" {
		t.Fatalf("got %#v", v)
	}
}

func TestReadReplyNullBulkString(t *testing.T) {
	r := bufio.NewReader(respInput("$-1\r\n"))
	v, err := readReply(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != nil {
		t.Fatalf("got %#v, want nil", v)
	}
}

func TestReadReplyArray(t *testing.T) {
	r := bufio.NewReader(respInput("*2\r\n$3\r\nfoo\r\n$3\r\nbar\r\n"))
	v, err := readReply(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arr := v.([]any)
	if len(arr) != 2 || string(arr[0].([]byte)) != "foo" || string(arr[1].([]byte)) != "bar" {
		t.Fatalf("got %#v", arr)
	}
}

func TestWriteCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := writeCommand(w, "RPUSH", []string{"key", "value"}); err != nil {
		t.Fatalf("writeCommand: %v", err)
	}

	r := bufio.NewReader(&buf)
	v, err := readReply(r)
	if err != nil {
		t.Fatalf("readReply: %v", err)
	}
	arr := v.([]any)
	if len(arr) != 3 {
		t.Fatalf("got %d elements, want 3", len(arr))
	}
	if string(arr[0].([]byte)) != "RPUSH" || string(arr[1].([]byte)) != "key" || string(arr[2].([]byte)) != "value" {
		t.Fatalf("got %#v", arr)
	}
}

func respInput(s string) *bytes.Reader {
	return bytes.NewReader([]byte(s))
}
