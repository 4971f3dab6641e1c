package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/outlinekit/collab"
	"github.com/outlinekit/collab/internal/crdt"
	"github.com/outlinekit/collab/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags configFlags

	root := &cobra.Command{
		Use:           "collab",
		Short:         "Live collaboration client for Outline documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.endpoint, "endpoint", "", "server base URL (overrides config file)")
	root.PersistentFlags().StringVar(&flags.token, "token", "", "bearer token (overrides config file)")
	root.PersistentFlags().StringVar(&flags.cacheDir, "cache-dir", "", "local cache directory (overrides config file)")

	root.AddCommand(newWatchCmd(&flags))
	root.AddCommand(newCatCmd(&flags))
	root.AddCommand(newListCmd(&flags))
	root.AddCommand(newCompactCmd(&flags))
	return root
}

func newWatchCmd(flags *configFlags) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "watch <documentID>",
		Short: "Join a document and stream its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, true)
			if err != nil {
				return err
			}

			session, events, err := collab.Start(context.Background(), collab.Config{
				Endpoint:   cfg.Endpoint,
				Token:      cfg.Token,
				DocumentID: args[0],
				User:       user,
				CachePath:  cfg.cachePath(),
			})
			if err != nil {
				return err
			}
			defer session.Close()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				log.Println("Shutting down...")
				session.Close()
			}()

			log.Printf("Watching document %s as client %s", args[0], session.ClientID())
			for ev := range events {
				printEvent(ev)
			}
			if session.Status() == collab.StatusFailed {
				return fmt.Errorf("session failed; check the token and try again")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "display name announced to peers")
	return cmd
}

func printEvent(ev collab.Event) {
	switch e := ev.(type) {
	case collab.StatusChanged:
		log.Printf("status: %s", e.Status)
	case collab.DocumentUpdated:
		log.Printf("document: %d characters", len([]rune(e.Content)))
	case collab.UserJoined:
		log.Printf("joined: %s (%s)", e.Presence.User, e.ClientID)
	case collab.UserLeft:
		log.Printf("left: %s", e.ClientID)
	case collab.Error:
		log.Printf("error: %v", e.Err)
	}
}

func newCatCmd(flags *configFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <documentID>",
		Short: "Print a document's cached content, no connection needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, false)
			if err != nil {
				return err
			}
			doc, err := loadCached(cfg.cachePath(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(doc.Content())
			return nil
		},
	}
}

func newListCmd(flags *configFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached documents, most recently touched first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags, false)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.cachePath())
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := s.Documents()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newCompactCmd(flags *configFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "compact <documentID>",
		Short: "Collapse a document's cached update log into one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, false)
			if err != nil {
				return err
			}

			doc, err := loadCached(cfg.cachePath(), args[0])
			if err != nil {
				return err
			}

			s, err := store.Open(cfg.cachePath())
			if err != nil {
				return err
			}
			defer s.Close()

			count, err := s.UpdateCount(args[0])
			if err != nil {
				return err
			}
			if err := s.Compact(args[0], doc.EncodeStateAsUpdate()); err != nil {
				return err
			}
			log.Printf("Compacted %s: %d updates folded into a snapshot", args[0], count)
			return nil
		},
	}
}

// loadCached rebuilds a replica from the local cache alone.
func loadCached(cachePath, documentID string) (*crdt.Doc, error) {
	s, err := store.Open(cachePath)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	entries, err := s.Load(documentID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no cached state for document %s", documentID)
	}

	doc := crdt.NewDoc(1)
	for _, u := range entries {
		if err := doc.ApplyUpdate(u); err != nil {
			log.Printf("Skipping corrupt cached update: %v", err)
		}
	}
	return doc, nil
}
