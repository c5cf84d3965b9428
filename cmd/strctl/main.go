// Command strctl is the operator CLI (C12): it talks to a running
// strd's admin HTTP surface and renders the result as a table, the
// way the teacher declares olekukonko/tablewriter for its own
// operator tooling without any retrieved caller using it -- this is
// that tool's first real home in this repo.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
)

var addr = flag.String("addr", "http://127.0.0.1:9991", "Base URL of the strd admin server to query")

var commands = map[string]func([]string) error{
	"status": runStatus,
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cmd, ok := commands[args[0]]
	if !ok {
		usage()
		os.Exit(2)
	}

	if err := cmd(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "strctl: %s\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: strctl [-addr http://host:port] status")
}

type status struct {
	State          string `json:"state"`
	StateSeqno     int64  `json:"stateSeqno"`
	LastDonorIndex int64  `json:"lastDonorIndex"`
}

func runStatus(args []string) error {
	resp, err := http.Get(*addr + "/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var st status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"State", st.State})
	table.Append([]string{"StateSeqno", fmt.Sprintf("%d", st.StateSeqno)})
	table.Append([]string{"LastDonorIndex", fmt.Sprintf("%d", st.LastDonorIndex)})
	table.Render()

	return nil
}
