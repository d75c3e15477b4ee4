package main

import (
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [address]",
		Short: "查询待提取余额，默认查询当前调用方",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				addr common.Address
				err  error
			)
			if len(args) == 1 {
				addr, err = parseAddress("address", args[0])
			} else {
				addr, err = a.self()
			}
			if err != nil {
				return err
			}
			c, err := a.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			balance, err := c.Balance(cmd.Context(), addr)
			if err != nil {
				return err
			}
			view := map[string]string{"address": addr.Hex(), "balance": balance.String()}
			return a.print(view, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s wei\n", addr.Hex(), balance)
			})
		},
	}
}

func newWithdrawCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw",
		Short: "提取全部待提取余额",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client(cmd.Context(), true)
			if err != nil {
				return err
			}
			amount, err := c.Withdraw(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(map[string]string{"amount": amount.String()}, func(w io.Writer) {
				fmt.Fprintf(w, "withdrew %s wei\n", amount)
			})
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "显示账本与索引器统计",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client(cmd.Context(), false)
			if err != nil {
				return err
			}
			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(stats, func(w io.Writer) {
				fmt.Fprintf(w, "issuer:        %s\n", stats.Issuer)
				fmt.Fprintf(w, "total supply:  %d\n", stats.TotalSupply)
				fmt.Fprintf(w, "listed:        %d\n", stats.Listed)
				fmt.Fprintf(w, "last sequence: %d\n", stats.LastSequence)
				if ix := stats.Indexer; ix != nil {
					fmt.Fprintf(w, "purchases:     %d (%s wei)\n", ix.Purchases, ix.VolumeWei)
				}
			})
		},
	}
}
