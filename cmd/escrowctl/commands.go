package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"

	"github.com/urfave/cli"
)

// printJSON pretty-prints a decoded admin API response, the same
// indent-and-dump approach cmd/lncli/commands.go's printJson uses for
// its own protobuf responses.
func printJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		fatal(err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "\t"); err != nil {
		fatal(err)
	}
	out.WriteTo(os.Stdout)
	fmt.Println()
}

func doRequest(ctx *cli.Context, method, path string, body []byte) {
	c := getAdminClient(ctx)
	resp, err := c.do(method, path, body)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()

	raw, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		fatal(err)
	}
	if resp.StatusCode >= 400 {
		fatal(fmt.Errorf("admin API returned %s: %s", resp.Status, raw))
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		fatal(err)
	}
	printJSON(decoded)
}

var listDealsCommand = cli.Command{
	Name:      "listdeals",
	Usage:     "list deals, optionally filtered.",
	ArgsUsage: "[--status=locked] [--user=alice]",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "status", Usage: "filter by deal status"},
		cli.StringFlag{Name: "user", Usage: "filter by buyer or seller id"},
	},
	Action: func(ctx *cli.Context) error {
		path := "/deals"
		q := ""
		if s := ctx.String("status"); s != "" {
			q = addQueryParam(q, "status", s)
		}
		if u := ctx.String("user"); u != "" {
			q = addQueryParam(q, "user_id", u)
		}
		doRequest(ctx, http.MethodGet, path+q, nil)
		return nil
	},
}

var getDealCommand = cli.Command{
	Name:      "getdeal",
	Usage:     "show a single deal by id.",
	ArgsUsage: "deal-id",
	Action: func(ctx *cli.Context) error {
		id := ctx.Args().First()
		if id == "" {
			return fmt.Errorf("deal-id argument is required")
		}
		doRequest(ctx, http.MethodGet, "/deals/"+id, nil)
		return nil
	},
}

var listTransactionsCommand = cli.Command{
	Name:      "listtransactions",
	Usage:     "list transactions for a deal.",
	ArgsUsage: "deal-id",
	Action: func(ctx *cli.Context) error {
		id := ctx.Args().First()
		if id == "" {
			return fmt.Errorf("deal-id argument is required")
		}
		doRequest(ctx, http.MethodGet, addQueryParam("/transactions", "deal_id", id), nil)
		return nil
	},
}

var listDisputesCommand = cli.Command{
	Name:      "listdisputes",
	Usage:     "list disputes, optionally filtered by status.",
	ArgsUsage: "[--status=open]",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "status", Usage: "filter by dispute status"},
	},
	Action: func(ctx *cli.Context) error {
		path := "/disputes"
		if s := ctx.String("status"); s != "" {
			path = addQueryParam(path, "status", s)
		}
		doRequest(ctx, http.MethodGet, path, nil)
		return nil
	},
}

var resolveDisputeCommand = cli.Command{
	Name:      "resolvedispute",
	Usage:     "resolve an open dispute in favor of buyer or seller.",
	ArgsUsage: "dispute-id buyer|seller reason...",
	Action: func(ctx *cli.Context) error {
		args := ctx.Args()
		if len(args) < 3 {
			return fmt.Errorf("usage: resolvedispute dispute-id buyer|seller reason...")
		}
		body, err := json.Marshal(map[string]string{
			"winner": args[1],
			"reason": fmt.Sprint(args[2:]),
		})
		if err != nil {
			return err
		}
		doRequest(ctx, http.MethodPost, "/disputes/"+args[0]+"/resolve", body)
		return nil
	},
}

var cancelDisputeCommand = cli.Command{
	Name:      "canceldispute",
	Usage:     "cancel an open dispute back to its prior state.",
	ArgsUsage: "dispute-id reason...",
	Action: func(ctx *cli.Context) error {
		args := ctx.Args()
		if len(args) < 2 {
			return fmt.Errorf("usage: canceldispute dispute-id reason...")
		}
		body, err := json.Marshal(map[string]string{
			"reason": fmt.Sprint(args[1:]),
		})
		if err != nil {
			return err
		}
		doRequest(ctx, http.MethodPost, "/disputes/"+args[0]+"/cancel", body)
		return nil
	},
}

var listAlertsCommand = cli.Command{
	Name:   "listalerts",
	Usage:  "list recorded admin alerts.",
	Action: func(ctx *cli.Context) error {
		doRequest(ctx, http.MethodGet, "/alerts", nil)
		return nil
	},
}

var dealReceiptCommand = cli.Command{
	Name:      "receipt",
	Usage:     "export a deal's receipt data (deal, transactions, audit log).",
	ArgsUsage: "deal-id",
	Action: func(ctx *cli.Context) error {
		id := ctx.Args().First()
		if id == "" {
			return fmt.Errorf("deal-id argument is required")
		}
		doRequest(ctx, http.MethodPost, "/deals/"+id+"/receipt", nil)
		return nil
	},
}

var triggerBroadcastCommand = cli.Command{
	Name:      "broadcast",
	Usage:     "reconcile a transaction hash's ledger status against the chain.",
	ArgsUsage: "tx-hash [--deal=N]",
	Flags: []cli.Flag{
		cli.Int64Flag{Name: "deal", Usage: "deal id to reconcile the ledger row against"},
	},
	Action: func(ctx *cli.Context) error {
		txHash := ctx.Args().First()
		if txHash == "" {
			return fmt.Errorf("tx-hash argument is required")
		}
		path := "/broadcast/" + txHash
		if d := ctx.Int64("deal"); d != 0 {
			path = addQueryParam(path, "deal_id", fmt.Sprint(d))
		}
		doRequest(ctx, http.MethodPost, path, nil)
		return nil
	},
}

func addQueryParam(path, key, value string) string {
	sep := "?"
	if bytes.ContainsRune([]byte(path), '?') {
		sep = "&"
	}
	return path + sep + key + "=" + value
}
