package db

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/auth"
)

// ErrInvalidAddress is returned for addresses the store cannot index.
var ErrInvalidAddress = errors.New("invalid IPv4 address")

// AccountsDatabase is the SQLite implementation of auth.AccountStore plus
// the administration operations behind the account and ip commands.
type AccountsDatabase struct {
	db  *Database
	now func() time.Time
}

// IPBan is an address ban record.
type IPBan struct {
	IP       string    `json:"ip"`
	BannedAt time.Time `json:"banned_at"`
	UnbanAt  time.Time `json:"unban_at,omitempty"`
	Reason   string    `json:"reason"`
}

// NewAccountsDatabase opens the store at dbPath and migrates its schema.
func NewAccountsDatabase(dbPath string) (*AccountsDatabase, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	adb := &AccountsDatabase{db: database, now: time.Now}
	if err := adb.migrate(context.Background()); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate accounts database: %w", err)
	}
	return adb, nil
}

// Close closes the underlying database.
func (a *AccountsDatabase) Close() error {
	return a.db.Close()
}

func (a *AccountsDatabase) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL COLLATE NOCASE,
			shared_secret BLOB NOT NULL,
			session_key BLOB,
			security INTEGER NOT NULL DEFAULT 0,
			expansion INTEGER NOT NULL DEFAULT 0,
			locked_ip TEXT NOT NULL DEFAULT '',
			lock_country TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_login INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS account_tickets (
			ticket TEXT PRIMARY KEY,
			account_id INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS account_bans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL,
			banned_at INTEGER NOT NULL,
			unban_at INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS ip_bans (
			ip TEXT PRIMARY KEY,
			banned_at INTEGER NOT NULL,
			unban_at INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS ip2nation (
			ip_from INTEGER NOT NULL,
			ip_to INTEGER NOT NULL,
			country TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tickets_account ON account_tickets(account_id);
		CREATE INDEX IF NOT EXISTS idx_account_bans_account ON account_bans(account_id, active);
		CREATE INDEX IF NOT EXISTS idx_ip2nation_range ON ip2nation(ip_from, ip_to);
	`

	if _, err := a.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("accounts schema migrated")
	return nil
}

const accountColumns = `
	a.id, a.username, a.shared_secret, a.session_key, a.security, a.expansion,
	a.locked_ip, a.lock_country,
	EXISTS (SELECT 1 FROM account_bans b
		WHERE b.account_id = a.id AND b.active = 1 AND (b.unban_at = 0 OR b.unban_at > ?))`

func scanAccount(row *sql.Row) (*auth.AccountRecord, error) {
	var (
		acc      auth.AccountRecord
		security int
		banned   bool
	)
	err := row.Scan(&acc.ID, &acc.Username, &acc.SharedSecret, &acc.SessionKey,
		&security, &acc.Expansion, &acc.LockedIP, &acc.LockCountry, &banned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read account: %w", err)
	}
	acc.Security = auth.SecurityLevel(security)
	acc.Banned = banned
	return &acc, nil
}

// AccountByTicket resolves a realm join ticket.
func (a *AccountsDatabase) AccountByTicket(ctx context.Context, ticket string) (*auth.AccountRecord, error) {
	row := a.db.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts a
		JOIN account_tickets t ON t.account_id = a.id
		WHERE t.ticket = ?`, a.now().Unix(), ticket)
	return scanAccount(row)
}

// AccountByID loads an account by id.
func (a *AccountsDatabase) AccountByID(ctx context.Context, id uint32) (*auth.AccountRecord, error) {
	row := a.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.id = ?`,
		a.now().Unix(), id)
	return scanAccount(row)
}

// AccountByName loads an account by username, case-insensitively.
func (a *AccountsDatabase) AccountByName(ctx context.Context, username string) (*auth.AccountRecord, error) {
	row := a.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts a WHERE a.username = ?`,
		a.now().Unix(), username)
	return scanAccount(row)
}

// SaveSessionKey records the session key of a fresh login.
func (a *AccountsDatabase) SaveSessionKey(ctx context.Context, id uint32, key []byte) error {
	res, err := a.db.Exec(ctx,
		"UPDATE accounts SET session_key = ?, last_login = ? WHERE id = ?",
		key, a.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to save session key: %w", err)
	}
	return requireRow(res)
}

// IsAddressBanned reports whether an unexpired ban covers ip.
func (a *AccountsDatabase) IsAddressBanned(ctx context.Context, ip string) (bool, error) {
	var count int
	err := a.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM ip_bans WHERE ip = ? AND (unban_at = 0 OR unban_at > ?)",
		ip, a.now().Unix()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("ip ban check failed: %w", err)
	}
	return count > 0, nil
}

// CountryForAddress looks ip up in the ip2nation ranges. Unknown and
// non-IPv4 addresses map to "".
func (a *AccountsDatabase) CountryForAddress(ctx context.Context, ip string) (string, error) {
	n, err := ipv4ToUint(ip)
	if err != nil {
		return "", nil
	}

	var country string
	err = a.db.QueryRow(ctx,
		"SELECT country FROM ip2nation WHERE ip_from <= ? AND ip_to >= ? ORDER BY ip_from DESC LIMIT 1",
		n, n).Scan(&country)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("country lookup failed: %w", err)
	}
	return country, nil
}

// CreateAccount registers an account and issues its first ticket.
func (a *AccountsDatabase) CreateAccount(ctx context.Context, username string, secret []byte,
	security auth.SecurityLevel, expansion uint8) (*auth.AccountRecord, string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, "", errors.New("username is required")
	}
	if len(secret) == 0 {
		return nil, "", errors.New("shared secret is required")
	}

	var (
		id     int64
		ticket = uuid.NewString()
	)
	err := a.db.Transaction(ctx, func(tx *sql.Tx) error {
		now := a.now().Unix()
		res, err := tx.ExecContext(ctx,
			"INSERT INTO accounts (username, shared_secret, security, expansion, created_at) VALUES (?, ?, ?, ?, ?)",
			username, secret, int(security), int(expansion), now)
		if err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}
		id, _ = res.LastInsertId()

		_, err = tx.ExecContext(ctx,
			"INSERT INTO account_tickets (ticket, account_id, created_at) VALUES (?, ?, ?)",
			ticket, id, now)
		if err != nil {
			return fmt.Errorf("failed to issue ticket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	log.Info().
		Int64("account_id", id).
		Str("username", username).
		Str("security", security.String()).
		Msg("account created")

	acc, err := a.AccountByID(ctx, uint32(id))
	return acc, ticket, err
}

// IssueTicket creates another join ticket for an account.
func (a *AccountsDatabase) IssueTicket(ctx context.Context, accountID uint32) (string, error) {
	ticket := uuid.NewString()
	_, err := a.db.Exec(ctx,
		"INSERT INTO account_tickets (ticket, account_id, created_at) VALUES (?, ?, ?)",
		ticket, accountID, a.now().Unix())
	if err != nil {
		return "", fmt.Errorf("failed to issue ticket: %w", err)
	}
	return ticket, nil
}

// ListAccounts returns all accounts ordered by id. Secrets are not loaded.
func (a *AccountsDatabase) ListAccounts(ctx context.Context) ([]auth.AccountRecord, error) {
	rows, err := a.db.Query(ctx, `
		SELECT a.id, a.username, a.security, a.expansion, a.locked_ip, a.lock_country,
			EXISTS (SELECT 1 FROM account_bans b
				WHERE b.account_id = a.id AND b.active = 1 AND (b.unban_at = 0 OR b.unban_at > ?))
		FROM accounts a ORDER BY a.id`, a.now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []auth.AccountRecord
	for rows.Next() {
		var (
			acc      auth.AccountRecord
			security int
		)
		if err := rows.Scan(&acc.ID, &acc.Username, &security, &acc.Expansion,
			&acc.LockedIP, &acc.LockCountry, &acc.Banned); err != nil {
			return nil, fmt.Errorf("failed to read account: %w", err)
		}
		acc.Security = auth.SecurityLevel(security)
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// SetSecurity changes an account's security level.
func (a *AccountsDatabase) SetSecurity(ctx context.Context, accountID uint32, level auth.SecurityLevel) error {
	res, err := a.db.Exec(ctx, "UPDATE accounts SET security = ? WHERE id = ?", int(level), accountID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// LockIP restricts logins to ip. An empty ip removes the lock.
func (a *AccountsDatabase) LockIP(ctx context.Context, accountID uint32, ip string) error {
	if ip != "" && net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, ip)
	}
	res, err := a.db.Exec(ctx, "UPDATE accounts SET locked_ip = ? WHERE id = ?", ip, accountID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// LockCountry restricts logins to a country code. Empty removes the lock.
func (a *AccountsDatabase) LockCountry(ctx context.Context, accountID uint32, country string) error {
	res, err := a.db.Exec(ctx, "UPDATE accounts SET lock_country = ? WHERE id = ?",
		strings.ToUpper(strings.TrimSpace(country)), accountID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// BanAccount bans an account. A zero duration bans permanently.
func (a *AccountsDatabase) BanAccount(ctx context.Context, accountID uint32, duration time.Duration, reason string) error {
	if _, err := a.AccountByID(ctx, accountID); err != nil {
		return err
	}
	now := a.now()
	_, err := a.db.Exec(ctx,
		"INSERT INTO account_bans (account_id, banned_at, unban_at, reason) VALUES (?, ?, ?, ?)",
		accountID, now.Unix(), unbanAt(now, duration), reason)
	if err != nil {
		return fmt.Errorf("failed to ban account: %w", err)
	}
	log.Info().Uint32("account_id", accountID).Dur("duration", duration).Str("reason", reason).Msg("account banned")
	return nil
}

// UnbanAccount lifts every active ban on an account.
func (a *AccountsDatabase) UnbanAccount(ctx context.Context, accountID uint32) error {
	_, err := a.db.Exec(ctx, "UPDATE account_bans SET active = 0 WHERE account_id = ? AND active = 1", accountID)
	if err != nil {
		return fmt.Errorf("failed to unban account: %w", err)
	}
	log.Info().Uint32("account_id", accountID).Msg("account unbanned")
	return nil
}

// BanAddress bans ip. A zero duration bans permanently.
func (a *AccountsDatabase) BanAddress(ctx context.Context, ip string, duration time.Duration, reason string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, ip)
	}
	now := a.now()
	_, err := a.db.Exec(ctx, `
		INSERT INTO ip_bans (ip, banned_at, unban_at, reason) VALUES (?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET banned_at = excluded.banned_at,
			unban_at = excluded.unban_at, reason = excluded.reason`,
		ip, now.Unix(), unbanAt(now, duration), reason)
	if err != nil {
		return fmt.Errorf("failed to ban address: %w", err)
	}
	log.Info().Str("ip", ip).Dur("duration", duration).Str("reason", reason).Msg("address banned")
	return nil
}

// UnbanAddress removes an address ban.
func (a *AccountsDatabase) UnbanAddress(ctx context.Context, ip string) error {
	_, err := a.db.Exec(ctx, "DELETE FROM ip_bans WHERE ip = ?", ip)
	return err
}

// ListAddressBans returns the unexpired address bans.
func (a *AccountsDatabase) ListAddressBans(ctx context.Context) ([]IPBan, error) {
	rows, err := a.db.Query(ctx,
		"SELECT ip, banned_at, unban_at, reason FROM ip_bans WHERE unban_at = 0 OR unban_at > ? ORDER BY banned_at",
		a.now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []IPBan
	for rows.Next() {
		var (
			ban             IPBan
			bannedAt, unban int64
		)
		if err := rows.Scan(&ban.IP, &bannedAt, &unban, &ban.Reason); err != nil {
			return nil, fmt.Errorf("failed to read ip ban: %w", err)
		}
		ban.BannedAt = time.Unix(bannedAt, 0)
		if unban != 0 {
			ban.UnbanAt = time.Unix(unban, 0)
		}
		bans = append(bans, ban)
	}
	return bans, rows.Err()
}

// CleanExpiredBans deletes address bans and deactivates account bans whose
// time has passed.
func (a *AccountsDatabase) CleanExpiredBans(ctx context.Context) (int64, error) {
	now := a.now().Unix()
	var cleaned int64
	err := a.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM ip_bans WHERE unban_at != 0 AND unban_at <= ?", now)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		cleaned += n

		res, err = tx.ExecContext(ctx,
			"UPDATE account_bans SET active = 0 WHERE active = 1 AND unban_at != 0 AND unban_at <= ?", now)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		cleaned += n
		return nil
	})
	return cleaned, err
}

// AddCountryRange maps the inclusive IPv4 range from..to to country.
func (a *AccountsDatabase) AddCountryRange(ctx context.Context, from, to, country string) error {
	lo, err := ipv4ToUint(from)
	if err != nil {
		return err
	}
	hi, err := ipv4ToUint(to)
	if err != nil {
		return err
	}
	if hi < lo {
		return fmt.Errorf("range end %s before start %s", to, from)
	}
	_, err = a.db.Exec(ctx, "INSERT INTO ip2nation (ip_from, ip_to, country) VALUES (?, ?, ?)",
		lo, hi, strings.ToUpper(country))
	return err
}

func unbanAt(now time.Time, d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return now.Add(d).Unix()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrAccountNotFound
	}
	return nil
}

func ipv4ToUint(ip string) (uint32, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip)).To4()
	if parsed == nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAddress, ip)
	}
	return binary.BigEndian.Uint32(parsed), nil
}
