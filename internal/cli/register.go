package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wtfsayo/mcpay-sub006/internal/config"
	"github.com/wtfsayo/mcpay-sub006/internal/model"
	"github.com/wtfsayo/mcpay-sub006/internal/proxy"
	"github.com/wtfsayo/mcpay-sub006/internal/store"
	"github.com/wtfsayo/mcpay-sub006/internal/x402"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an upstream MCP server and its tool pricing",
	Long: `Register reads a TOML manifest describing an upstream MCP server, its
receiver wallet, and per-tool pricing, and writes the catalog rows the
proxy serves from. With --user it also provisions an account and prints a
fresh API key.`,
	RunE: runRegister,
}

var (
	registerManifest string
	registerUser     string
)

func init() {
	registerCmd.Flags().StringVar(&registerManifest, "manifest", "", "path to a server manifest (TOML)")
	registerCmd.Flags().StringVar(&registerUser, "user", "", "provision a user with this email and print an API key")
	_ = registerCmd.MarkFlagRequired("manifest")
}

// serverManifest is the registration input format.
type serverManifest struct {
	ServerID        string            `toml:"server_id"`
	OriginURL       string            `toml:"origin_url"`
	ReceiverAddress string            `toml:"receiver_address"`
	AuthHeaders     map[string]string `toml:"auth_headers"`
	Tools           []toolManifest    `toml:"tools"`
}

type toolManifest struct {
	Name     string `toml:"name"`
	Price    string `toml:"price"` // human units, e.g. "0.01"
	Network  string `toml:"network"`
	Asset    string `toml:"asset"`
	Decimals int    `toml:"decimals"`
}

func (m serverManifest) validate() error {
	if strings.TrimSpace(m.ServerID) == "" {
		return fmt.Errorf("manifest: server_id is required")
	}
	if strings.TrimSpace(m.OriginURL) == "" {
		return fmt.Errorf("manifest: origin_url is required")
	}
	for i, tool := range m.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return fmt.Errorf("manifest: tools[%d]: name is required", i)
		}
		if tool.Price != "" && strings.TrimSpace(m.ReceiverAddress) == "" {
			return fmt.Errorf("manifest: tools[%d]: priced tools need a receiver_address", i)
		}
	}
	return nil
}

func runRegister(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.Options{ConfigPath: globalFlags.ConfigPath})
	if err != nil {
		exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
	}
	if globalFlags.StateDir != "" {
		cfg.StateDir = globalFlags.StateDir
	}

	var manifest serverManifest
	if _, err := toml.DecodeFile(registerManifest, &manifest); err != nil {
		exitWith(ExitConfigInvalid, "ERROR: manifest: "+err.Error())
	}
	if err := manifest.validate(); err != nil {
		exitWith(ExitConfigInvalid, "ERROR: "+err.Error())
	}

	db := store.NewSQLiteStore(cfg.ResolveDatabasePath())
	ctx := context.Background()
	if err := db.Init(ctx); err != nil {
		exitWith(ExitStoreFailure, "ERROR: database init: "+err.Error())
	}
	defer func() {
		_ = db.Close()
	}()

	server, err := db.CreateServer(ctx, model.RegisteredServer{
		ServerID:        manifest.ServerID,
		OriginURL:       manifest.OriginURL,
		ReceiverAddress: manifest.ReceiverAddress,
		AuthHeaders:     manifest.AuthHeaders,
		Status:          model.ServerStatusActive,
	})
	if err != nil {
		exitWith(ExitStoreFailure, "ERROR: register server: "+err.Error())
	}

	s := newStyles(os.Stdout, globalFlags.JSON)
	if !globalFlags.Quiet && !globalFlags.JSON {
		fmt.Println(s.sectionHeader("Registered " + server.ServerID))
		fmt.Println(s.kv("Origin", server.OriginURL))
		if server.ReceiverAddress != "" {
			fmt.Println(s.kv("Receiver", server.ReceiverAddress))
		}
	}

	for _, tm := range manifest.Tools {
		tool, err := db.CreateTool(ctx, model.Tool{
			ServerID: server.ServerID,
			Name:     tm.Name,
		})
		if err != nil {
			exitWith(ExitStoreFailure, fmt.Sprintf("ERROR: register tool %s: %v", tm.Name, err))
		}
		if tm.Price == "" {
			if !globalFlags.Quiet && !globalFlags.JSON {
				fmt.Println(s.kv(tm.Name, "free"))
			}
			continue
		}

		entry, err := pricingFromManifest(tool.ID, tm)
		if err != nil {
			exitWith(ExitConfigInvalid, fmt.Sprintf("ERROR: tool %s: %v", tm.Name, err))
		}
		if _, err := db.CreatePricing(ctx, entry); err != nil {
			exitWith(ExitStoreFailure, fmt.Sprintf("ERROR: price tool %s: %v", tm.Name, err))
		}
		if !globalFlags.Quiet && !globalFlags.JSON {
			fmt.Println(s.kv(tm.Name, fmt.Sprintf("%s USDC on %s", tm.Price, entry.Network)))
		}
	}

	if registerUser != "" {
		if err := provisionUser(ctx, db, registerUser, s); err != nil {
			exitWith(ExitStoreFailure, "ERROR: provision user: "+err.Error())
		}
	}

	if globalFlags.JSON {
		emitNDJSON("server_registered", map[string]any{
			"server_id": server.ServerID,
			"origin":    server.OriginURL,
			"tools":     len(manifest.Tools),
		})
	}
	return nil
}

// pricingFromManifest converts a manifest tool row into a pricing entry.
// Price is parsed from human units with big-int math; decimals default to
// USDC's 6 and the asset to the network's canonical USDC contract.
func pricingFromManifest(toolID string, tm toolManifest) (model.PricingEntry, error) {
	network := strings.ToLower(strings.TrimSpace(tm.Network))
	if network == "" {
		network = x402.NetworkBase
	}
	decimals := tm.Decimals
	if decimals <= 0 {
		decimals = 6
	}
	asset := strings.TrimSpace(tm.Asset)
	if asset == "" {
		asset = x402.USDCAddress(network)
		if asset == "" {
			return model.PricingEntry{}, fmt.Errorf("no default asset for network %q, set asset explicitly", network)
		}
	}
	raw, err := x402.ParseAmount(tm.Price, decimals)
	if err != nil {
		return model.PricingEntry{}, fmt.Errorf("price %q: %w", tm.Price, err)
	}
	return model.PricingEntry{
		ToolID:               toolID,
		AssetAddress:         asset,
		Network:              network,
		MaxAmountRequiredRaw: raw,
		TokenDecimals:        decimals,
		Active:               true,
	}, nil
}

// provisionUser creates the account if needed and mints an API key. The
// raw key is printed exactly once; only its hash is stored.
func provisionUser(ctx context.Context, db model.Store, email string, s styles) error {
	user, err := db.CreateUser(ctx, model.User{Email: email})
	if err != nil {
		return err
	}

	rawKey := "mcpay_sk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = db.CreateAPIKey(ctx, model.APIKey{
		UserID:  user.ID,
		KeyHash: proxy.HashAPIKey(rawKey),
		Name:    "registered via CLI",
		Active:  true,
	})
	if err != nil {
		return err
	}

	if globalFlags.JSON {
		emitNDJSON("api_key_created", map[string]any{
			"user_id": user.ID,
			"email":   email,
			"api_key": rawKey,
		})
		return nil
	}
	fmt.Println(s.sectionHeader("API key for " + email))
	fmt.Println(s.kv("Key", rawKey))
	fmt.Println(s.dim("  store it now; it cannot be recovered later"))
	return nil
}
