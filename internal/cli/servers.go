package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wtfsayo/mcpay-sub006/internal/config"
	"github.com/wtfsayo/mcpay-sub006/internal/store"
	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List registered upstream servers and their pricing",
	RunE:  runServers,
}

func runServers(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.Options{ConfigPath: globalFlags.ConfigPath})
	if err != nil {
		exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
	}
	if globalFlags.StateDir != "" {
		cfg.StateDir = globalFlags.StateDir
	}

	db := store.NewSQLiteStore(cfg.ResolveDatabasePath())
	ctx := context.Background()
	if err := db.Init(ctx); err != nil {
		exitWith(ExitStoreFailure, "ERROR: database init: "+err.Error())
	}
	defer func() {
		_ = db.Close()
	}()

	servers, err := db.ListServers(ctx)
	if err != nil {
		exitWith(ExitStoreFailure, "ERROR: list servers: "+err.Error())
	}

	if globalFlags.JSON {
		enc := json.NewEncoder(os.Stdout)
		for _, server := range servers {
			_ = enc.Encode(map[string]any{
				"server_id": server.ServerID,
				"origin":    server.OriginURL,
				"receiver":  server.ReceiverAddress,
				"status":    server.Status,
			})
		}
		return nil
	}

	s := newStyles(os.Stdout, false)
	if len(servers) == 0 {
		fmt.Println(s.dim("no servers registered; run 'mcpay register --manifest <file>'"))
		return nil
	}

	for _, server := range servers {
		fmt.Println(s.sectionHeader(server.ServerID), s.dim("("+server.Status+")"))
		fmt.Println(s.kv("Origin", server.OriginURL))
		if server.ReceiverAddress != "" {
			fmt.Println(s.kv("Receiver", server.ReceiverAddress))
		}

		tools, err := db.ListToolsByServer(ctx, server.ServerID)
		if err != nil {
			fmt.Println(s.errPrefix(), "list tools:", err)
			continue
		}
		for _, tool := range tools {
			label := "free"
			for _, p := range tool.Pricing {
				if !p.Active {
					continue
				}
				if human, err := x402.FormatAmount(p.MaxAmountRequiredRaw, p.TokenDecimals); err == nil {
					label = fmt.Sprintf("%s USDC on %s", human, p.Network)
				}
				break
			}
			fmt.Println(s.kv("  "+tool.Name, label))
		}
		fmt.Println(s.separator(48))
	}
	return nil
}
