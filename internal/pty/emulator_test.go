package pty

import (
	"bufio"
	"os/exec"
	"testing"
	"time"
)

func TestStartEmptyCommand(t *testing.T) {
	if _, err := Start(nil, Options{}); err == nil {
		t.Fatal("Start(nil) expected error")
	}
}

func TestStartRawPassthrough(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	e, err := Start([]string{cat}, Options{})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer e.Close()

	if _, err := e.Write([]byte("hisilicon #\n")); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	got := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(e).ReadString('\n')
		got <- line
	}()

	select {
	case line := <-got:
		// raw mode: no echo from the terminal and no \r\n translation
		if line != "hisilicon #\n" {
			t.Errorf("line = %q, want %q", line, "hisilicon #\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cat output")
	}
}

func TestCloseTwice(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	e, err := Start([]string{cat}, Options{})
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if e.Pid() <= 0 {
		t.Errorf("Pid = %d, want > 0", e.Pid())
	}
	if err := e.Close(); err != nil {
		t.Errorf("first Close error: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}
