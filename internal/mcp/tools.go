package mcp

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/hiburn/internal/actions"
	"github.com/acolita/hiburn/internal/size"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(printEnvTool(), s.handlePrintEnv)
	s.mcpServer.AddTool(execTool(), s.handleExec)
	s.mcpServer.AddTool(pingTool(), s.handlePing)
	s.mcpServer.AddTool(uploadTool(), s.handleUpload)
	s.mcpServer.AddTool(loadyTool(), s.handleLoady)
	s.mcpServer.AddTool(downloadTool(), s.handleDownload)
	s.mcpServer.AddTool(bootTool(), s.handleBoot)
}

// Tool definitions

func printEnvTool() mcp.Tool {
	return mcp.NewTool("uboot_printenv",
		mcp.WithDescription("Print the U-Boot environment of the device"),
	)
}

func execTool() mcp.Tool {
	return mcp.NewTool("uboot_exec",
		mcp.WithDescription("Run one U-Boot command and return its output"),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The command line, e.g. 'version' or 'md 0x82000000 10'"),
		),
	)
}

func pingTool() mcp.Tool {
	return mcp.NewTool("uboot_ping",
		mcp.WithDescription("Configure the device network and ping the host from the device"),
	)
}

func uploadTool() mcp.Tool {
	return mcp.NewTool("uboot_upload",
		mcp.WithDescription("Copy a local or remote image into device memory over TFTP"),
		mcp.WithString("src", mcp.Required(), mcp.Description(descSrc)),
		mcp.WithString("addr", mcp.Required(), mcp.Description(descAddr)),
	)
}

func loadyTool() mcp.Tool {
	return mcp.NewTool("uboot_loady",
		mcp.WithDescription("Copy an image into device memory over the console with YMODEM"),
		mcp.WithString("src", mcp.Required(), mcp.Description(descSrc)),
		mcp.WithString("addr", mcp.Required(), mcp.Description(descAddr)),
	)
}

func downloadTool() mcp.Tool {
	return mcp.NewTool("uboot_download",
		mcp.WithDescription("Copy device memory into a local file over TFTP"),
		mcp.WithString("dst", mcp.Required(), mcp.Description(descDst)),
		mcp.WithString("addr", mcp.Required(), mcp.Description(descAddr)),
		mcp.WithString("size", mcp.Required(), mcp.Description(descSize)),
	)
}

func bootTool() mcp.Tool {
	return mcp.NewTool("uboot_boot",
		mcp.WithDescription("Load a kernel and a ramdisk rootfs into memory and boot them"),
		mcp.WithString("uimage", mcp.Required(), mcp.Description("Kernel image. "+descSrc)),
		mcp.WithString("rootfs", mcp.Required(), mcp.Description("Root filesystem image. "+descSrc)),
		mcp.WithString("upload_addr",
			mcp.Description("Place the kernel at or above this address instead of the top of memory"),
		),
		mcp.WithBoolean("serial_transfer",
			mcp.Description("Use YMODEM over the console instead of TFTP (default: false)"),
		),
		mcp.WithBoolean("no_wait",
			mcp.Description("Return right after bootm without reading kernel output (default: false)"),
		),
		mcp.WithString("expect",
			mcp.Description("Regular expression to wait for in the kernel output"),
		),
		mcp.WithNumber("expect_timeout_ms",
			mcp.Description("How long to wait for expect (default: 120000)"),
		),
	)
}

// Tool handlers

func (s *Server) handlePrintEnv(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.result(s.run(ctx, func(r *actions.Runner) error {
		return r.PrintEnv(ctx)
	}))
}

func (s *Server) handleExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command := strings.TrimSpace(mcp.ParseString(req, "command", ""))
	if command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	return s.result(s.run(ctx, func(r *actions.Runner) error {
		return r.Exec(ctx, command)
	}))
}

func (s *Server) handlePing(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.result(s.run(ctx, func(r *actions.Runner) error {
		return r.Ping(ctx)
	}))
}

func (s *Server) handleUpload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	src := mcp.ParseString(req, "src", "")
	if src == "" {
		return mcp.NewToolResultError("src is required"), nil
	}
	addr, err := parseNumber(req, "addr")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(errAddrParam, err)), nil
	}
	return s.result(s.run(ctx, func(r *actions.Runner) error {
		return r.Upload(ctx, src, addr)
	}))
}

func (s *Server) handleLoady(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	src := mcp.ParseString(req, "src", "")
	if src == "" {
		return mcp.NewToolResultError("src is required"), nil
	}
	addr, err := parseNumber(req, "addr")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(errAddrParam, err)), nil
	}
	return s.result(s.run(ctx, func(r *actions.Runner) error {
		return r.Loady(ctx, src, addr)
	}))
}

func (s *Server) handleDownload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dst := mcp.ParseString(req, "dst", "")
	if dst == "" {
		return mcp.NewToolResultError("dst is required"), nil
	}
	addr, err := parseNumber(req, "addr")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(errAddrParam, err)), nil
	}
	n, err := parseNumber(req, "size")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("size: %v", err)), nil
	}
	return s.result(s.run(ctx, func(r *actions.Runner) error {
		return r.Download(ctx, dst, addr, n)
	}))
}

func (s *Server) handleBoot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := actions.BootOptions{
		UImage:         mcp.ParseString(req, "uimage", ""),
		Rootfs:         mcp.ParseString(req, "rootfs", ""),
		SerialTransfer: mcp.ParseBoolean(req, "serial_transfer", false),
		NoWait:         mcp.ParseBoolean(req, "no_wait", false),
		ExpectTimeout:  time.Duration(mcp.ParseInt(req, "expect_timeout_ms", 0)) * time.Millisecond,
	}
	if opts.UImage == "" || opts.Rootfs == "" {
		return mcp.NewToolResultError("uimage and rootfs are required"), nil
	}
	if mcp.ParseString(req, "upload_addr", "") != "" {
		addr, err := parseNumber(req, "upload_addr")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("upload_addr: %v", err)), nil
		}
		opts.UploadAddr, opts.HasUploadAddr = addr, true
	}
	if expr := mcp.ParseString(req, "expect", ""); expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("expect: %v", err)), nil
		}
		opts.Expect = re
	}

	return s.result(s.run(ctx, func(r *actions.Runner) error {
		return r.Boot(ctx, opts)
	}))
}

func (s *Server) result(out string, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		s.logger.Warn("tool failed", "error", err)
		msg := err.Error()
		if out != "" {
			msg = out + "\n" + msg
		}
		return mcp.NewToolResultError(msg), nil
	}
	return mcp.NewToolResultText(out), nil
}

func parseNumber(req mcp.CallToolRequest, key string) (uint64, error) {
	v, ok := req.GetArguments()[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, fmt.Errorf("%v is negative", n)
		}
		return uint64(n), nil
	case string:
		return size.Parse(n)
	default:
		return 0, fmt.Errorf("unsupported value %v", v)
	}
}
