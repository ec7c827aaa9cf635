package emulator

import (
	"fmt"
	"strings"
)

// Model describes an emulated Nano device
type Model struct {
	Name   string // nanos, nanox, nanosp
	Letter string // S, X, SP
	Width  int
	Height int
}

var (
	NanoS  = Model{Name: "nanos", Letter: "S", Width: 128, Height: 32}
	NanoX  = Model{Name: "nanox", Letter: "X", Width: 128, Height: 64}
	NanoSP = Model{Name: "nanosp", Letter: "SP", Width: 128, Height: 64}
)

// Models lists every supported model
var Models = []Model{NanoS, NanoX, NanoSP}

func (m Model) String() string {
	return "Nano " + m.Letter
}

// ModelByName looks up a model by its short name
func ModelByName(name string) (Model, error) {
	for _, m := range Models {
		if strings.EqualFold(m.Name, name) {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("emulator: unknown model %q", name)
}
