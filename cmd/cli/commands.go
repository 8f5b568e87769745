package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

type command func(ctx context.Context, c *client, args []string) error

var commands = map[string]command{
	"register":       cmdRegister,
	"login":          cmdLogin,
	"logout":         cmdLogout,
	"passwd":         cmdPasswd,
	"delete-account": cmdDeleteAccount,
	"fields":         simple("ListFields", false),
	"prefs":          simple("GetPreferences", true),
	"set-prefs":      cmdSetPrefs,
	"defaults":       simple("ApplySmartDefaults", true),
	"summary":        simple("GetSummary", true),
	"new-fields":     simple("GetNewFields", true),
	"add":            cmdAdd,
	"edit":           cmdEdit,
	"get":            recordByID("GetRecord"),
	"rm":             recordByID("DeleteRecord"),
	"list":           cmdList,
	"export":         cmdExport,
	"import":         cmdImport,
}

// flagError marks argument problems so they exit with code 2.
type flagError struct{ err error }

func (e flagError) Error() string { return e.err.Error() }

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return flagError{err}
	}
	return nil
}

func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return flagError{fmt.Errorf("-%s is required", pairs[i])}
		}
	}
	return nil
}

// setFlags collects repeated -set field=value pairs.
type setFlags map[string]any

func (s setFlags) String() string { return "" }

func (s setFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("want field=value, got %q", v)
	}
	if val == "" {
		s[k] = nil
		return nil
	}
	s[k] = val
	return nil
}

// splitKeys parses a comma-separated key list, dropping blanks.
func splitKeys(v string) []string {
	var out []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func simple(method string, auth bool) command {
	return func(ctx context.Context, c *client, args []string) error {
		if err := parse(newFlags(method), args); err != nil {
			return err
		}
		call := c.call
		if auth {
			call = c.authed
		}
		resp, err := call(ctx, method, map[string]any{})
		if err != nil {
			return err
		}
		return c.print(resp)
	}
}

func credentialFlags(name string, args []string) (string, string, error) {
	fs := newFlags(name)
	u := fs.String("u", "", "username")
	p := fs.String("p", "", "password")
	if err := parse(fs, args); err != nil {
		return "", "", err
	}
	if err := required("u", *u, "p", *p); err != nil {
		return "", "", err
	}
	return *u, *p, nil
}

func cmdRegister(ctx context.Context, c *client, args []string) error {
	u, p, err := credentialFlags("register", args)
	if err != nil {
		return err
	}
	resp, err := c.call(ctx, "Register", map[string]any{"username": u, "password": p})
	if err != nil {
		return err
	}
	return c.print(resp)
}

func cmdLogin(ctx context.Context, c *client, args []string) error {
	u, p, err := credentialFlags("login", args)
	if err != nil {
		return err
	}
	resp, err := c.call(ctx, "Login", map[string]any{"username": u, "password": p})
	if err != nil {
		return err
	}
	tf, err := tokenFromLogin(resp, u)
	if err != nil {
		return err
	}
	if err := saveToken(tf); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Fprintf(c.out, "logged in as %s until %s\n", u, tf.ExpiresAt.Local().Format(time.DateTime))
	return nil
}

func tokenFromLogin(resp *structpb.Struct, username string) (tokenFile, error) {
	tok := resp.GetFields()["access_token"].GetStringValue()
	if tok == "" {
		return tokenFile{}, errors.New("login response has no access token")
	}
	exp, err := time.Parse(time.RFC3339, resp.GetFields()["expires_at"].GetStringValue())
	if err != nil {
		return tokenFile{}, fmt.Errorf("login response expires_at: %w", err)
	}
	return tokenFile{AccessToken: tok, ExpiresAt: exp, Username: username}, nil
}

func cmdLogout(ctx context.Context, c *client, args []string) error {
	if err := parse(newFlags("logout"), args); err != nil {
		return err
	}
	if _, err := c.authed(ctx, "Logout", map[string]any{}); err != nil {
		return err
	}
	return clearToken()
}

func cmdPasswd(ctx context.Context, c *client, args []string) error {
	fs := newFlags("passwd")
	oldPw := fs.String("old", "", "current password")
	newPw := fs.String("new", "", "new password")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required("old", *oldPw, "new", *newPw); err != nil {
		return err
	}
	resp, err := c.authed(ctx, "ChangePassword", map[string]any{"old_password": *oldPw, "new_password": *newPw})
	if err != nil {
		return err
	}
	return c.print(resp)
}

func cmdDeleteAccount(ctx context.Context, c *client, args []string) error {
	fs := newFlags("delete-account")
	p := fs.String("p", "", "password")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required("p", *p); err != nil {
		return err
	}
	if _, err := c.authed(ctx, "DeleteAccount", map[string]any{"password": *p}); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "account deleted")
	return clearToken()
}

// prefsRequest turns -encrypt/-plain key lists into a preferences map.
func prefsRequest(enc, plain string) (map[string]any, error) {
	prefs := map[string]any{}
	for _, k := range splitKeys(enc) {
		prefs[k] = true
	}
	for _, k := range splitKeys(plain) {
		if v, dup := prefs[k]; dup && v == true {
			return nil, fmt.Errorf("%s is listed in both -encrypt and -plain", k)
		}
		prefs[k] = false
	}
	if len(prefs) == 0 {
		return nil, errors.New("nothing to set: use -encrypt and/or -plain")
	}
	return prefs, nil
}

func cmdSetPrefs(ctx context.Context, c *client, args []string) error {
	fs := newFlags("set-prefs")
	enc := fs.String("encrypt", "", "comma-separated field keys to encrypt")
	plain := fs.String("plain", "", "comma-separated field keys to store in plaintext")
	migrate := fs.Bool("migrate", false, "re-encrypt existing data")
	if err := parse(fs, args); err != nil {
		return err
	}
	prefs, err := prefsRequest(*enc, *plain)
	if err != nil {
		return flagError{err}
	}
	resp, err := c.authed(ctx, "UpdatePreferences", map[string]any{"preferences": prefs, "migrate": *migrate})
	if err != nil {
		return err
	}
	return c.print(resp)
}

func recordFlags(name string, args []string, withID, withSet bool) (string, int64, setFlags, error) {
	fs := newFlags(name)
	m := fs.String("m", "", "module")
	var id *int64
	if withID {
		id = fs.Int64("id", 0, "record id")
	}
	sets := setFlags{}
	if withSet {
		fs.Var(sets, "set", "field=value (repeatable, empty value clears)")
	}
	if err := parse(fs, args); err != nil {
		return "", 0, nil, err
	}
	if err := required("m", *m); err != nil {
		return "", 0, nil, err
	}
	var rid int64
	if withID {
		if *id <= 0 {
			return "", 0, nil, flagError{errors.New("-id is required")}
		}
		rid = *id
	}
	if withSet && len(sets) == 0 {
		return "", 0, nil, flagError{errors.New("at least one -set is required")}
	}
	return *m, rid, sets, nil
}

func cmdAdd(ctx context.Context, c *client, args []string) error {
	m, _, sets, err := recordFlags("add", args, false, true)
	if err != nil {
		return err
	}
	resp, err := c.authed(ctx, "CreateRecord", map[string]any{"module": m, "fields": map[string]any(sets)})
	if err != nil {
		return err
	}
	return c.print(resp)
}

func cmdEdit(ctx context.Context, c *client, args []string) error {
	m, id, sets, err := recordFlags("edit", args, true, true)
	if err != nil {
		return err
	}
	resp, err := c.authed(ctx, "UpdateRecord", map[string]any{"module": m, "id": id, "fields": map[string]any(sets)})
	if err != nil {
		return err
	}
	return c.print(resp)
}

func recordByID(method string) command {
	return func(ctx context.Context, c *client, args []string) error {
		m, id, _, err := recordFlags(method, args, true, false)
		if err != nil {
			return err
		}
		resp, err := c.authed(ctx, method, map[string]any{"module": m, "id": id})
		if err != nil {
			return err
		}
		return c.print(resp)
	}
}

func cmdList(ctx context.Context, c *client, args []string) error {
	m, _, _, err := recordFlags("list", args, false, false)
	if err != nil {
		return err
	}
	resp, err := c.authed(ctx, "ListRecords", map[string]any{"module": m})
	if err != nil {
		return err
	}
	return c.print(resp)
}

func cmdExport(ctx context.Context, c *client, args []string) error {
	fs := newFlags("export")
	path := fs.String("o", "", "write export to file instead of stdout")
	if err := parse(fs, args); err != nil {
		return err
	}
	resp, err := c.authed(ctx, "Export", map[string]any{})
	if err != nil {
		return err
	}
	if *path == "" {
		return c.print(resp)
	}
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*path, b, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "export written to %s\n", *path)
	return nil
}

func cmdImport(ctx context.Context, c *client, args []string) error {
	fs := newFlags("import")
	path := fs.String("f", "", "export file to import")
	replace := fs.Bool("replace", false, "delete existing records first")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := required("f", *path); err != nil {
		return err
	}
	b, err := os.ReadFile(*path)
	if err != nil {
		return err
	}
	doc := new(structpb.Struct)
	if err := protojson.Unmarshal(b, doc); err != nil {
		return fmt.Errorf("parse %s: %w", *path, err)
	}
	resp, err := c.authed(ctx, "Import", map[string]any{"data": doc.AsMap(), "replace": *replace})
	if err != nil {
		return err
	}
	return c.print(resp)
}
