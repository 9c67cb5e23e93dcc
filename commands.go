package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/client"
	"github.com/workspace/session-coordinator/internal/protocol"
)

var (
	tokenSession string
	tokenUser    string
	tokenName    string
	tokenAvatar  string

	watchURL    string
	watchPrompt string
	watchModel  string
)

var mintTokenCmd = &cobra.Command{
	Use:   "mint-token",
	Short: "Mint a single-use admission token for a session",
	RunE:  runMintToken,
}

var internalTokenCmd = &cobra.Command{
	Use:   "internal-token",
	Short: "Print a bearer token for the internal API",
	RunE:  runInternalToken,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join a session and print every server message as JSON",
	RunE:  runWatch,
}

func init() {
	for _, c := range []*cobra.Command{mintTokenCmd, watchCmd} {
		c.Flags().StringVar(&tokenSession, "session", "", "session ID")
		c.Flags().StringVar(&tokenUser, "user", "", "user ID")
		c.Flags().StringVar(&tokenName, "name", "", "display name")
		c.Flags().StringVar(&tokenAvatar, "avatar", "", "avatar URL")
		_ = c.MarkFlagRequired("session")
		_ = c.MarkFlagRequired("user")
	}
	watchCmd.Flags().StringVar(&watchURL, "url", "http://localhost:8080", "coordinator base URL")
	watchCmd.Flags().StringVar(&watchPrompt, "prompt", "", "prompt to submit once the sandbox is ready")
	watchCmd.Flags().StringVar(&watchModel, "model", "", "model for --prompt")

	rootCmd.AddCommand(mintTokenCmd, internalTokenCmd, watchCmd)
}

func runMintToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.AdmissionSecret == "" {
		return errors.New("ADMISSION_TOKEN_SECRET is not set; tokens are issued externally")
	}
	issuer := auth.NewIssuer(cfg.AdmissionSecret, cfg.AdmissionTokenTTL, cfg.AdmissionIssuer, cfg.AdmissionAudience)
	token, expiresAt, err := issuer.Mint(tokenSession, auth.Identity{UserID: tokenUser, Name: tokenName, Avatar: tokenAvatar})
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
		"token":     token,
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
}

func runInternalToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), auth.GenerateInternalToken(cfg.InternalSecret, time.Now()))
	return err
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens := remoteTokenSource(&http.Client{Timeout: 10 * time.Second}, watchURL, cfg.InternalSecret, tokenSession,
		auth.Identity{UserID: tokenUser, Name: tokenName, Avatar: tokenAvatar})

	prompted := false
	c, err := client.New(client.Config{
		BaseURL:   watchURL,
		SessionID: tokenSession,
		Tokens:    tokens,
		OnState: func(s client.State) {
			fmt.Fprintf(cmd.ErrOrStderr(), "state: %s\n", s)
		},
	})
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	// --prompt waits for history and a ready sandbox; earlier prompts are refused.
	historyDone, sandboxReady := false, false
	out := json.NewEncoder(cmd.OutOrStdout())
	for msg := range c.Messages() {
		if err := out.Encode(msg); err != nil {
			return err
		}
		switch msg.Type {
		case protocol.MsgSubscribed:
			sandboxReady = msg.State != nil && (msg.State.SandboxStatus == "ready" || msg.State.SandboxStatus == "running")
		case protocol.MsgSandboxReady:
			sandboxReady = true
		case protocol.MsgHistoryComplete:
			historyDone = true
		}
		if watchPrompt != "" && !prompted && historyDone && sandboxReady {
			prompted = true
			if err := c.Prompt(watchPrompt, watchModel, uuid.NewString()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "prompt not sent: %v\n", err)
			}
		}
	}
	return <-runErr
}

// remoteTokenSource fetches admission tokens from the coordinator's internal
// mint endpoint, authenticating with a fresh internal token each time.
func remoteTokenSource(httpClient *http.Client, baseURL, internalSecret, sessionID string, who auth.Identity) client.TokenSource {
	endpoint := strings.TrimRight(baseURL, "/") + "/internal/sessions/" + url.PathEscape(sessionID) + "/ws-token"
	return func(ctx context.Context) (string, error) {
		body, err := json.Marshal(map[string]string{"userId": who.UserID, "name": who.Name, "avatar": who.Avatar})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+auth.GenerateInternalToken(internalSecret, time.Now()))

		resp, err := httpClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return "", fmt.Errorf("mint token: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		if out.Token == "" {
			return "", errors.New("mint token: empty token in response")
		}
		return out.Token, nil
	}
}
