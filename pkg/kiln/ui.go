package kiln

import (
	"fmt"

	"github.com/kilnfi/go-ledger-kiln/pkg/ethplugin"
)

var versions = [...]string{
	MethodStake:       "Stake",
	MethodRequestExit: "Request Exit",
	MethodMultiClaim:  "Multi-Claim",
	MethodClaim:       "Claim",
}

// Finalize implements ethplugin.Contract. Every supported call shows a single
// plugin screen.
func (c *contract) Finalize() (ethplugin.Finalization, error) {
	if c.next != paramNone {
		return ethplugin.Finalization{}, fmt.Errorf("%w: waiting for state %d", ErrIncomplete, c.next)
	}
	return ethplugin.Finalization{NumScreens: 1}, nil
}

// QueryContractID implements ethplugin.Contract
func (c *contract) QueryContractID() ethplugin.ContractID {
	return ethplugin.ContractID{Name: Name, Version: versions[c.method]}
}

// QueryContractUI implements ethplugin.Contract
func (c *contract) QueryContractUI(screen int) (ethplugin.Screen, error) {
	if screen != 0 {
		return ethplugin.Screen{}, fmt.Errorf("%w: %d", ErrUnknownScreen, screen)
	}
	switch c.method {
	case MethodStake:
		return ethplugin.Screen{
			Title: "Stake",
			Msg:   ethplugin.BigToString(c.tx.Value, ethplugin.WeiDecimals, ethplugin.Ticker),
		}, nil
	case MethodRequestExit:
		return ethplugin.Screen{
			Title: "Exit shares",
			Msg:   ethplugin.AmountToString(c.requestExit.amount[:], ethplugin.WeiDecimals, ""),
		}, nil
	case MethodMultiClaim:
		return ethplugin.Screen{
			Title: "Claim",
			Msg:   plural(c.multiClaim.exitQueues, "exit queue"),
		}, nil
	case MethodClaim:
		return ethplugin.Screen{
			Title: "Claim",
			Msg:   plural(c.claim.tickets, "ticket"),
		}, nil
	}
	return ethplugin.Screen{}, ErrUnknownSelector
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
