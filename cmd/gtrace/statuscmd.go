package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/trace-network/gtrace/internal/flags"
)

var (
	nodeURLFlag = &cli.StringFlag{
		Name:     "node",
		Usage:    "Base URL of the replica to query",
		Value:    "http://localhost:5000",
		Category: flags.NetworkingCategory,
	}
	statusCommand = &cli.Command{
		Action:    remoteStatus,
		Name:      "status",
		Usage:     "Print the status and peer table of a running replica",
		ArgsUsage: " ",
		Flags:     []cli.Flag{nodeURLFlag},
		Description: `
Queries a running replica's status and nodes endpoints and renders the
result as a table. Intended for operators inspecting a cluster.
`,
	}
)

type replicaStatus struct {
	Hostname    string `json:"hostname"`
	ChainLength int    `json:"chain_length"`
	Valid       bool   `json:"valid"`
	MempoolSize int    `json:"mempool_size"`
	PeerCount   int    `json:"peer_count"`
	Ready       bool   `json:"ready"`
}

func remoteStatus(ctx *cli.Context) error {
	base := ctx.String(nodeURLFlag.Name)
	client := &http.Client{Timeout: 5 * time.Second}

	var status replicaStatus
	if err := getInto(client, base+"/status", &status); err != nil {
		return fmt.Errorf("query %s: %w", base, err)
	}
	var peers struct {
		Nodes []string `json:"nodes"`
	}
	if err := getInto(client, base+"/nodes", &peers); err != nil {
		return fmt.Errorf("query %s: %w", base, err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"Hostname", status.Hostname})
	table.Append([]string{"Chain length", strconv.Itoa(status.ChainLength)})
	table.Append([]string{"Chain valid", strconv.FormatBool(status.Valid)})
	table.Append([]string{"Mempool size", strconv.Itoa(status.MempoolSize)})
	table.Append([]string{"Peer count", strconv.Itoa(status.PeerCount)})
	table.Append([]string{"Ready", strconv.FormatBool(status.Ready)})
	table.Render()

	if len(peers.Nodes) > 0 {
		peerTable := tablewriter.NewWriter(os.Stdout)
		peerTable.SetHeader([]string{"Peer"})
		for _, url := range peers.Nodes {
			peerTable.Append([]string{url})
		}
		peerTable.Render()
	}
	return nil
}

func getInto(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
