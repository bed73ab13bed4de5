package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"shieldledger/internal/api"
	"shieldledger/internal/block"
	"shieldledger/internal/logging"
	"shieldledger/internal/privacy"
	"shieldledger/internal/wallet"
	"shieldledger/p2p"
)

var (
	walletPath   string
	nodeURL      string
	proposerHex  string
	followBlocks bool
)

func init() {
	walletCmd.PersistentFlags().StringVarP(&walletPath, "wallet", "w", "wallet.json", "Path to the wallet file")
	walletSyncCmd.Flags().StringVar(&nodeURL, "node", "http://127.0.0.1:8545", "Sequencer API base URL")
	walletSyncCmd.Flags().StringVar(&proposerHex, "proposer", "", "Only accept blocks signed by this hex ed25519 key")
	walletSyncCmd.Flags().BoolVarP(&followBlocks, "follow", "f", false, "Keep syncing from the block feed after catching up")
	walletCmd.AddCommand(walletNewCmd, walletSyncCmd, walletListCmd)
}

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Manage private account keys and scan blocks for their records",
}

var walletNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create keys for a new private account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := privacy.NewAccountKeys()
		if err != nil {
			return err
		}
		f, err := wallet.Load(walletPath)
		if err != nil {
			return err
		}
		f.AddKeys(keys)
		if err := f.Save(walletPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "account: %s\nnpk:     %s\nviewing: %s\n",
			keys.AccountID(), keys.Nullifier.Public, hex.EncodeToString(keys.Viewing.PublicBytes()))
		return nil
	},
}

var walletSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Scan new blocks for notes addressed to the wallet's keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.NewWriter(cmd.ErrOrStderr(), "info")
		opts := wallet.Options{Log: log}
		if proposerHex != "" {
			pub, err := hex.DecodeString(proposerHex)
			if err != nil || len(pub) != ed25519.PublicKeySize {
				return fmt.Errorf("--proposer: expected %d hex-encoded bytes", ed25519.PublicKeySize)
			}
			opts.Proposer = pub
		}
		client := api.NewClient(nodeURL, &http.Client{Timeout: 30 * time.Second})
		s, err := wallet.Open(walletPath, client, opts)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if err := s.SyncHead(ctx); err != nil {
			return err
		}
		if followBlocks {
			from := uint64(0)
			if last, ok := s.LastSyncedBlock(); ok {
				from = last + 1
			}
			err := p2p.Subscribe(ctx, feedURL(nodeURL), from, func(b *block.Block) error {
				return s.SyncTo(ctx, b.Header.ID)
			})
			if err != nil && ctx.Err() == nil {
				return err
			}
		}
		last, _ := s.LastSyncedBlock()
		fmt.Fprintf(cmd.OutOrStdout(), "synced to block %d, %d unspent records\n", last, len(s.Unspent()))
		return nil
	},
}

var walletListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the current version of every private account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := wallet.Load(walletPath)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tBALANCE\tNONCE\tLEAF\tBLOCK")
		for _, r := range f.Unspent() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", r.AccountID, r.Note.Account.Balance.Dec(),
				r.Note.Account.Nonce.Dec(), r.LeafIndex, r.BlockID)
		}
		return w.Flush()
	},
}

// feedURL turns an API base URL into the websocket feed URL.
func feedURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/feed"
}
