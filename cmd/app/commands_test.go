package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/anylist/internal/apperr"
	"github.com/starford/anylist/internal/models"
	"github.com/starford/anylist/internal/testutil"
)

// runApp runs the CLI with a config file pointing at a temp credentials
// path and returns what it printed.
func runApp(t *testing.T, configYAML string, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := "credentials:\n  path: " + filepath.Join(dir, "creds") + "\n" + configYAML
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	old := stdout
	stdout = &out
	t.Cleanup(func() { stdout = old })

	err := newApp().Run(context.Background(), append([]string{"anylist", "--config", cfgPath}, args...))
	return out.String(), err
}

func clientSection(url string) string {
	return "client:\n  server_address: " + url + "\n  default_list: Groceries\n"
}

func TestAddAndItems(t *testing.T) {
	svc := testutil.NewFakeListService(t, "Groceries")
	section := clientSection(svc.URL())

	out, err := runApp(t, section, "add", "Milk")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "Added Milk") {
		t.Fatalf("add output = %q", out)
	}

	out, err = runApp(t, section, "add", "Milk")
	if err != nil || !strings.Contains(out, "already") {
		t.Fatalf("second add: out=%q err=%v", out, err)
	}

	out, err = runApp(t, section, "items")
	if err != nil || strings.TrimSpace(out) != "Milk" {
		t.Fatalf("items: out=%q err=%v", out, err)
	}
}

func TestCheckAndItemsAll(t *testing.T) {
	svc := testutil.NewFakeListService(t, "Groceries")
	svc.Seed("Groceries", models.Item{Name: "Milk"}, models.Item{Name: "Bread"})
	section := clientSection(svc.URL())

	if _, err := runApp(t, section, "check", "Milk"); err != nil {
		t.Fatalf("check: %v", err)
	}
	out, err := runApp(t, section, "items", "--all")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "[ ] Bread") || !strings.Contains(out, "[x] Milk") {
		t.Fatalf("items --all = %q", out)
	}

	if _, err := runApp(t, section, "uncheck", "Milk"); err != nil {
		t.Fatalf("uncheck: %v", err)
	}
	if _, err := runApp(t, section, "remove", "Bread"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	out, _ = runApp(t, section, "items")
	if strings.TrimSpace(out) != "Milk" {
		t.Fatalf("items = %q", out)
	}
}

func TestLists(t *testing.T) {
	svc := testutil.NewFakeListService(t, "Groceries", "Hardware")
	out, err := runApp(t, clientSection(svc.URL()), "lists")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Groceries\nHardware\n" {
		t.Fatalf("lists = %q", out)
	}
}

func TestItemsReadFailure(t *testing.T) {
	svc := testutil.NewFakeListService(t, "Groceries")
	svc.SetStatus("/items", 503)
	_, err := runApp(t, clientSection(svc.URL()), "items")
	if !errors.Is(err, apperr.Server) {
		t.Fatalf("err = %v, want SERVER", err)
	}
}

func TestAddRequiresName(t *testing.T) {
	svc := testutil.NewFakeListService(t, "Groceries")
	if _, err := runApp(t, clientSection(svc.URL()), "add"); err == nil {
		t.Fatal("expected error without item name")
	}
}

func TestNoServerConfigured(t *testing.T) {
	_, err := runApp(t, "", "lists")
	if !errors.Is(err, apperr.Server) {
		t.Fatalf("err = %v, want SERVER", err)
	}
}

func TestLoginLogout(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	credsPath := filepath.Join(dir, "creds")
	if err := os.WriteFile(cfgPath, []byte("credentials:\n  path: "+credsPath+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	app := func(args ...string) error {
		return newApp().Run(context.Background(), append([]string{"anylist", "--config", cfgPath}, args...))
	}
	stdout = &bytes.Buffer{}
	t.Cleanup(func() { stdout = os.Stdout })

	if err := app("login", "--email", "user@example.com", "--password", "secret1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := os.Stat(credsPath); err != nil {
		t.Fatalf("credentials not written: %v", err)
	}

	if err := app("login", "--email", "bad", "--password", "secret1"); !errors.Is(err, apperr.Validation) {
		t.Fatalf("invalid login err = %v", err)
	}

	if err := app("logout"); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := os.Stat(credsPath); !os.IsNotExist(err) {
		t.Fatalf("credentials still present: %v", err)
	}
}
