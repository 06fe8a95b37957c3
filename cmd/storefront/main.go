// Command storefront is an interactive visitor shell against a cartkeep
// server. It keeps the session token in a local SQLite file so the guest cart
// survives restarts.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"cartkeep/internal/cart/cache"
	"cartkeep/internal/cart/client"
	"cartkeep/internal/cart/models"
	"cartkeep/internal/catalog"
	"cartkeep/internal/identity/kv/sqlite"
	jwttoken "cartkeep/internal/jwt_token"
	"cartkeep/internal/ownership"
	"cartkeep/internal/platform/config"
	"cartkeep/internal/platform/logger"
	"cartkeep/internal/storefront"
	id "cartkeep/pkg/domain"
	"cartkeep/pkg/platform/circuit"
)

const help = `commands:
  show                  print the cached cart
  refresh               re-read the cart from the server
  add <ref> <qty>       add quantity of a product
  set <ref> <qty>       set a line quantity (0 removes)
  remove <ref>          remove a line
  clear                 empty the cart
  login <user-uuid>     sign in and merge the guest cart
  logout                sign out
  quit`

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	server := flag.String("server", getEnv("CARTKEEP_SERVER", "http://localhost:8080"), "cartkeep server URL")
	dbPath := flag.String("identity-db", cfg.Identity.DBPath, "session token database")
	catalogPath := flag.String("catalog", cfg.Server.CatalogSeed, "catalog YAML used for pricing")
	flag.Parse()

	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: "text", Output: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, *server, *dbPath, *catalogPath, log, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, server, dbPath, catalogPath string, log *slog.Logger, in io.Reader, out io.Writer) error {
	carts, err := client.New(server,
		client.WithTimeout(cfg.Cart.ClientTimeout),
		client.WithBreaker(circuit.New("cart-server")),
		client.WithLogger(log),
	)
	if err != nil {
		return err
	}

	deps := storefront.Deps{Carts: carts}
	if catalogPath != "" {
		cat, err := catalog.LoadFile(catalogPath)
		if err != nil {
			return err
		}
		deps.Catalog = cat
	}

	// A token store that cannot open leaves the visitor on an in-memory token.
	var kv *sqlite.Store
	if dbPath != "" {
		if kv, err = sqlite.Open(dbPath); err != nil {
			log.Warn("session token store unavailable", "error", err.Error())
		} else {
			defer kv.Close()
			deps.KV = kv
		}
	}

	sf, err := storefront.New(ctx, deps,
		storefront.WithLogger(log),
		storefront.WithMergeTimeout(cfg.Cart.MergeTimeout),
	)
	if err != nil {
		return err
	}
	defer sf.Close()

	go func() {
		for change := range sf.Subscribe(ctx) {
			printChange(out, change)
		}
	}()

	tokens := jwttoken.NewJWTService(cfg.Server.JWTSigningKey, cfg.Server.JWTIssuer, cfg.Server.JWTAudience)
	sh := &shell{sf: sf, tokens: tokens, out: out}
	if sf.IdentityDegraded() {
		fmt.Fprintln(out, "warning: session token is not persisted")
	}
	sh.print(sf.Cart())

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		quit, err := sh.exec(ctx, strings.Fields(scanner.Text()))
		if err != nil {
			fmt.Fprintln(out, "error:", err)
		}
		if quit {
			return nil
		}
	}
}

type shell struct {
	sf     *storefront.Storefront
	tokens *jwttoken.JWTService
	out    io.Writer
}

var errUsage = errors.New("bad arguments, type help")

func (s *shell) exec(ctx context.Context, args []string) (bool, error) {
	if len(args) == 0 {
		return false, nil
	}
	var (
		snap cache.Snapshot
		err  error
	)
	switch args[0] {
	case "help":
		fmt.Fprintln(s.out, help)
		return false, nil
	case "quit", "exit":
		return true, nil
	case "show":
		snap = s.sf.Cart()
	case "refresh":
		snap, err = s.sf.Refresh(ctx)
	case "add", "set":
		if len(args) != 3 {
			return false, errUsage
		}
		ref, qty, perr := refAndQuantity(args[1], args[2])
		if perr != nil {
			return false, perr
		}
		if args[0] == "add" {
			snap, err = s.sf.AddLine(ctx, ref, qty)
		} else {
			snap, err = s.sf.SetLineQuantity(ctx, ref, qty)
		}
	case "remove":
		if len(args) != 2 {
			return false, errUsage
		}
		ref, perr := id.ParseProductRef(args[1])
		if perr != nil {
			return false, perr
		}
		snap, err = s.sf.RemoveLine(ctx, ref)
	case "clear":
		snap, err = s.sf.Clear(ctx)
	case "login":
		if len(args) != 2 {
			return false, errUsage
		}
		return false, s.login(ctx, args[1])
	case "logout":
		snap = s.sf.Logout(ctx)
	default:
		return false, errUsage
	}
	if err != nil {
		return false, err
	}
	s.print(snap)
	return false, nil
}

// login mints a short-lived token with the server's signing key. It stands in
// for a real sign-in flow.
func (s *shell) login(ctx context.Context, raw string) error {
	userID, err := id.ParseUserID(raw)
	if err != nil {
		return err
	}
	token, err := s.tokens.GenerateAccessToken(userID, time.Hour)
	if err != nil {
		return err
	}
	res, err := s.sf.Login(ctx, models.Account(userID).WithCredential(token))
	if err != nil {
		return err
	}
	if res.MergeWarning != nil {
		fmt.Fprintln(s.out, "warning: guest cart was not merged:", res.MergeWarning)
	}
	if res.RefreshErr != nil {
		fmt.Fprintln(s.out, "warning: cart not loaded:", res.RefreshErr)
	}
	s.print(res.Snapshot)
	return nil
}

func refAndQuantity(rawRef, rawQty string) (id.ProductRef, int, error) {
	ref, err := id.ParseProductRef(rawRef)
	if err != nil {
		return "", 0, err
	}
	qty, err := strconv.Atoi(rawQty)
	if err != nil {
		return "", 0, fmt.Errorf("quantity: %w", err)
	}
	return ref, qty, nil
}

func (s *shell) print(snap cache.Snapshot) {
	fmt.Fprintf(s.out, "cart of %s (version %d)\n", snap.Owner.Redacted(), snap.Version)
	if !snap.Loaded {
		fmt.Fprintln(s.out, "  (loading)")
		return
	}
	if snap.IsEmpty() {
		fmt.Fprintln(s.out, "  (empty)")
		return
	}
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  PRODUCT\tQTY")
	for _, l := range snap.Lines {
		fmt.Fprintf(w, "  %s\t%d\n", l.ProductRef, l.Quantity)
	}
	_ = w.Flush()
	fmt.Fprintf(s.out, "  items: %d", snap.ItemCount)
	if snap.PricedComplete {
		fmt.Fprintf(s.out, "  subtotal: %s", formatCents(snap.Subtotal))
	}
	fmt.Fprintln(s.out)
}

func printChange(out io.Writer, c ownership.Change) {
	fmt.Fprintf(out, "\n[%s] %s -> %s\n", c.Reason, c.From.Redacted(), c.To.Redacted())
	if c.MergeWarning != "" {
		fmt.Fprintln(out, "  merge warning:", c.MergeWarning)
	}
}

func formatCents(c int64) string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
