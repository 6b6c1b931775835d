package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ineyio/llmbroker"
)

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not an address", s)
	}
	return common.HexToAddress(s), nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
}

func printListings(listings []llmbroker.ServerListing) {
	if len(listings) == 0 {
		fmt.Println("No servers found.")
		return
	}
	w := newTable()
	fmt.Fprintln(w, "SERVER\tMODEL\tINPUT\tOUTPUT\tOWNER")
	for _, l := range listings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.ContractAddress.Hex(), l.Model, l.InputTokenCost, l.OutputTokenCost, l.Owner.Hex())
	}
	w.Flush()
}

// parseMessages turns "role: content" arguments into messages. Arguments
// without a known role prefix are user messages.
func parseMessages(args []string) []llmbroker.Message {
	msgs := make([]llmbroker.Message, 0, len(args))
	for _, a := range args {
		role, content, ok := strings.Cut(a, ":")
		switch strings.TrimSpace(role) {
		case "system", "user", "assistant":
			if ok {
				msgs = append(msgs, llmbroker.Message{Role: strings.TrimSpace(role), Content: strings.TrimSpace(content)})
				continue
			}
		}
		msgs = append(msgs, llmbroker.Message{Role: "user", Content: a})
	}
	return msgs
}
