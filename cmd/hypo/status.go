package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hypo/internal/discovery"
	"hypo/internal/model"
)

const statusDiscoveryWindow = 2 * time.Second

func newStatusCmd() *cobra.Command {
	jsonOut := false
	identityFile := ""
	masterKeyFile := ""

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show this device's identity and paired peers",
		Long: `status reads the local identity/key store directly rather than
querying a running "hypo run" daemon — hypo has no local IPC surface to
query (spec.md Non-goals), so this and "hypo run" each open the identity
file independently.

A brief LAN discovery pass (` + statusDiscoveryWindow.String() + `) is run to report which
paired peers are currently visible on the local network; a peer absent
from that pass may simply be off-LAN and reachable only via the cloud
relay, or offline entirely — status can't distinguish the two.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runStatus(identityFile, masterKeyFile, jsonOut)
		},
	}

	f := cmd.Flags()
	f.StringVar(&identityFile, "identity-file", defaultIdentityPath(), "path to the encrypted identity/key store file")
	f.StringVar(&masterKeyFile, "master-key-file", defaultMasterKeyPath(), "path to the local master key protecting the identity file")
	f.BoolVar(&jsonOut, "json", false, "output raw JSON")

	return cmd
}

type statusPeer struct {
	DeviceID string `json:"device_id"`
	Online   bool   `json:"online"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
}

type statusReport struct {
	DeviceID     string       `json:"device_id"`
	DeviceName   string       `json:"device_name"`
	IdentityFile string       `json:"identity_file"`
	Peers        []statusPeer `json:"peers"`
}

func runStatus(identityFile, masterKeyFile string, jsonOut bool) error {
	ks, err := openIdentityForPairing(pairingFlags{identityFile: identityFile, masterKeyFile: masterKeyFile})
	if err != nil {
		return err
	}

	online := probeOnlinePeers(ks.DeviceID())

	report := statusReport{
		DeviceID:     ks.DeviceID().String(),
		DeviceName:   ks.DeviceName(),
		IdentityFile: identityFile,
	}
	for _, peerID := range ks.List() {
		sp := statusPeer{DeviceID: peerID}
		if p, ok := online[peerID]; ok {
			sp.Online = true
			if len(p.Hosts) > 0 {
				sp.Host = p.Hosts[0]
			}
			sp.Port = p.Port
		}
		report.Peers = append(report.Peers, sp)
	}

	if jsonOut {
		enc, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(enc))
		return nil
	}
	printStatus(report)
	return nil
}

// probeOnlinePeers runs a short LAN discovery pass and returns every
// sighting keyed by device id.
func probeOnlinePeers(localID model.DeviceID) map[string]discovery.Peer {
	ctx, cancel := context.WithTimeout(context.Background(), statusDiscoveryWindow)
	defer cancel()

	seen := make(map[string]discovery.Peer)
	events, err := discovery.Browse(ctx, localID, nil)
	if err != nil {
		return seen
	}
	for {
		select {
		case <-ctx.Done():
			return seen
		case ev, ok := <-events:
			if !ok {
				return seen
			}
			// A removal within this short probe window isn't worth acting
			// on; only record sightings.
			if ev.Added != nil {
				seen[ev.Added.DeviceID.String()] = *ev.Added
			}
		}
	}
}

func printStatus(r statusReport) {
	w := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Device:\t%s (%s)\n", r.DeviceName, r.DeviceID)
	fmt.Fprintf(w, "Identity file:\t%s\n", r.IdentityFile)
	fmt.Fprintln(w)
	_ = w.Flush()

	if len(r.Peers) == 0 {
		fmt.Println("No paired peers.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "DEVICE ID\tSTATUS\tADDRESS\n")
	fmt.Fprintf(tw, "---------\t------\t-------\n")
	for _, p := range r.Peers {
		status := "offline"
		addr := "-"
		if p.Online {
			status = "online (LAN)"
			addr = fmt.Sprintf("%s:%d", p.Host, p.Port)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.DeviceID, status, addr)
	}
	_ = tw.Flush()
}
