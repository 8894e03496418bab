package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/db"
)

// withAccounts opens the configured accounts database for one command.
func withAccounts(root *rootFlags, fn func(ctx context.Context, accounts *db.AccountsDatabase) error) error {
	cfg, err := config.Load(root.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	accounts, err := db.NewAccountsDatabase(cfg.GetWorldData().DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open accounts database: %w", err)
	}
	defer accounts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, accounts)
}

func parseAccountID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid account id: %s", s)
	}
	return uint32(id), nil
}

func newAccountCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage realm accounts",
	}
	cmd.AddCommand(
		newAccountCreateCommand(root),
		newAccountListCommand(root),
		newAccountTicketCommand(root),
		newAccountSecurityCommand(root),
		newAccountBanCommand(root),
		newAccountUnbanCommand(root),
		newAccountLockIPCommand(root),
		newAccountLockCountryCommand(root),
	)
	return cmd
}

func newAccountCreateCommand(root *rootFlags) *cobra.Command {
	var (
		secretHex string
		security  string
		expansion uint8
	)
	cmd := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an account and print its first join ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := auth.ParseSecurityLevel(security)
			if err != nil {
				return err
			}

			var secret []byte
			if secretHex != "" {
				if secret, err = hex.DecodeString(secretHex); err != nil {
					return fmt.Errorf("secret must be hex: %w", err)
				}
			} else {
				secret = make([]byte, 40)
				if _, err := rand.Read(secret); err != nil {
					return err
				}
			}

			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				acc, ticket, err := accounts.CreateAccount(ctx, args[0], secret, level, expansion)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Account:  %d (%s)\n", acc.ID, acc.Username)
				fmt.Fprintf(out, "Security: %s\n", acc.Security)
				fmt.Fprintf(out, "Ticket:   %s\n", ticket)
				if secretHex == "" {
					fmt.Fprintf(out, "Secret:   %s\n", hex.EncodeToString(secret))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&secretHex, "secret", "", "hex shared secret (random when empty)")
	cmd.Flags().StringVar(&security, "security", "player", "security level")
	cmd.Flags().Uint8Var(&expansion, "expansion", 0, "expansion the account may use")
	return cmd
}

func newAccountListCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				list, err := accounts.ListAccounts(ctx)
				if err != nil {
					return err
				}
				tw := tablewriter.NewWriter(cmd.OutOrStdout())
				tw.SetHeader([]string{"ID", "Username", "Security", "Expansion", "Banned", "Locked IP", "Country"})
				tw.SetAutoWrapText(false)
				for _, a := range list {
					tw.Append([]string{
						strconv.FormatUint(uint64(a.ID), 10),
						a.Username,
						a.Security.String(),
						strconv.Itoa(int(a.Expansion)),
						strconv.FormatBool(a.Banned),
						a.LockedIP,
						a.LockCountry,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func newAccountTicketCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ticket <account-id>",
		Short: "Issue another join ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				if _, err := accounts.AccountByID(ctx, id); err != nil {
					return err
				}
				ticket, err := accounts.IssueTicket(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ticket)
				return nil
			})
		},
	}
}

func newAccountSecurityCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "security <account-id> <level>",
		Short: "Set an account's security level",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			level, err := auth.ParseSecurityLevel(args[1])
			if err != nil {
				return err
			}
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				return accounts.SetSecurity(ctx, id, level)
			})
		},
	}
}

func newAccountBanCommand(root *rootFlags) *cobra.Command {
	var (
		duration time.Duration
		reason   string
	)
	cmd := &cobra.Command{
		Use:   "ban <account-id>",
		Short: "Ban an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				return accounts.BanAccount(ctx, id, duration, reason)
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "ban length (0 is permanent)")
	cmd.Flags().StringVar(&reason, "reason", "banned by operator", "ban reason")
	return cmd
}

func newAccountUnbanCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "unban <account-id>",
		Short: "Lift an account ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				return accounts.UnbanAccount(ctx, id)
			})
		},
	}
}

func newAccountLockIPCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "lock-ip <account-id> [ip]",
		Short: "Restrict logins to one address; omit ip to unlock",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			ip := ""
			if len(args) == 2 {
				ip = args[1]
			}
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				return accounts.LockIP(ctx, id, ip)
			})
		},
	}
}

func newAccountLockCountryCommand(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "lock-country <account-id> [country]",
		Short: "Restrict logins to one country; omit country to unlock",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAccountID(args[0])
			if err != nil {
				return err
			}
			country := ""
			if len(args) == 2 {
				country = args[1]
			}
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				return accounts.LockCountry(ctx, id, country)
			})
		},
	}
}

func newIPCommand(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ip",
		Short: "Manage address bans and country ranges",
	}

	var (
		duration time.Duration
		reason   string
	)
	ban := &cobra.Command{
		Use:   "ban <ip>",
		Short: "Ban an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				return accounts.BanAddress(ctx, args[0], duration, reason)
			})
		},
	}
	ban.Flags().DurationVar(&duration, "duration", 0, "ban length (0 is permanent)")
	ban.Flags().StringVar(&reason, "reason", "banned by operator", "ban reason")

	unban := &cobra.Command{
		Use:   "unban <ip>",
		Short: "Lift an address ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				return accounts.UnbanAddress(ctx, args[0])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List address bans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				bans, err := accounts.ListAddressBans(ctx)
				if err != nil {
					return err
				}
				tw := tablewriter.NewWriter(cmd.OutOrStdout())
				tw.SetHeader([]string{"IP", "Reason", "Banned", "Expires"})
				for _, b := range bans {
					tw.Append(ipBanRow(b))
				}
				tw.Render()
				return nil
			})
		},
	}

	country := &cobra.Command{
		Use:   "country <from-ip> <to-ip> <country>",
		Short: "Map an IPv4 range to a country code",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccounts(root, func(ctx context.Context, accounts *db.AccountsDatabase) error {
				return accounts.AddCountryRange(ctx, args[0], args[1], args[2])
			})
		},
	}

	cmd.AddCommand(ban, unban, list, country)
	return cmd
}

func ipBanRow(b db.IPBan) []string {
	expires := "never"
	if !b.UnbanAt.IsZero() {
		expires = b.UnbanAt.Format(time.RFC3339)
	}
	return []string{b.IP, b.Reason, b.BannedAt.Format(time.RFC3339), expires}
}
