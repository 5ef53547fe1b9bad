package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/TablewareBox/automancer/internal/frontend"

	"github.com/spf13/cobra"
)

// statusCmd dials the running daemon's client protocol port and prints a
// summary (address, chip count) of the first snapshot it receives, the way `ployz status` connects over its
// control-plane socket and renders one reply.
func statusCmd(port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show host status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := "127.0.0.1:" + *port
			conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", addr, err)
			}
			defer conn.Close()

			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			scanner := bufio.NewScanner(conn)
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read snapshot: %w", err)
				}
				return fmt.Errorf("read snapshot: connection closed before a snapshot arrived")
			}

			var snap frontend.HostSnapshot
			if err := json.Unmarshal(scanner.Bytes(), &snap); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}

			fmt.Println(keyValues("  ",
				keyValue("Address", accentStyle.Render(addr)),
				keyValue("Chips", fmt.Sprintf("%d", len(snap.Chips))),
			))
			return nil
		},
	}
}
