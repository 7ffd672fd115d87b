package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/p-arndt/werkstatt/internal/config"
	"github.com/p-arndt/werkstatt/internal/runtime"
	"github.com/p-arndt/werkstatt/internal/store"
)

func attachCmd() *cobra.Command {
	var addr, owner, session string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach the terminal to an owner's interactive session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if session == "" {
				session = cfg.Interactive.SessionName
			}
			if addr == "" {
				addr = "http://" + cfg.Listen
			}

			var sb store.Sandbox
			if err := getJSON(addr, cfg.APIKey, "/v1/owners/"+url.PathEscape(owner)+"/sandbox", &sb); err != nil {
				return err
			}
			if sb.Status != store.StatusRunning {
				return fmt.Errorf("sandbox for %s is %s", owner, sb.Status)
			}
			return attachPTY(attachArgv(cfg, &sb, session))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "daemon base URL (default http://<listen>)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().StringVar(&session, "session", "", "multiplexer session name (default from config)")
	cmd.MarkFlagRequired("owner")
	return cmd
}

// attachArgv builds the host command that opens the multiplexer inside
// the sandbox on the backend that runs it.
func attachArgv(cfg *config.Config, sb *store.Sandbox, session string) []string {
	inner := []string{"tmux", "attach", "-t", session}
	if runtime.Mode(sb.Backend) == runtime.ModeCluster {
		return append([]string{"kubectl", "exec", "-it", "-n", cfg.Kubernetes.Namespace, sb.SandboxID, "--"}, inner...)
	}
	return append([]string{"docker", "exec", "-it", sb.SandboxID}, inner...)
}

// attachPTY runs argv on a pseudo-terminal wired to ours until it exits.
func attachPTY(argv []string) error {
	c := exec.Command(argv[0], argv[1:]...)
	ptmx, err := pty.Start(c)
	if err != nil {
		return fmt.Errorf("start %s: %w", argv[0], err)
	}
	defer ptmx.Close()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			pty.InheritSize(os.Stdin, ptmx)
		}
	}()
	winch <- syscall.SIGWINCH
	defer func() { signal.Stop(winch); close(winch) }()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("raw terminal: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), state)
	}

	go io.Copy(ptmx, os.Stdin)
	io.Copy(os.Stdout, ptmx)
	return c.Wait()
}

func getJSON(addr, apiKey, path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, addr+path, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code    string `json:"error_code"`
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s: %s %s", path, apiErr.Code, apiErr.Message)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
