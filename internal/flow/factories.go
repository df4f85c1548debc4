package flow

import (
	"fmt"

	"github.com/dftworks/abiflow/internal/abivars"
)

// G0W0Inputs carries the four decks of a one-shot GW pipeline.
type G0W0Inputs struct {
	SCF       *abivars.Input
	NSCF      *abivars.Input
	Screening *abivars.Input // template, expanded per q-point
	Sigma     *abivars.Input
}

// G0W0 builds the classic four-stage pipeline: ground-state SCF, NSCF band
// computation, screening parallelized over q-points (expanded at run time
// from a probe), and the self-energy run consuming the merged SCR file.
func G0W0(workdir, name string, reg *abivars.Registry, in G0W0Inputs) (*Flow, error) {
	f := New(workdir, name, reg)

	scfWork, err := f.RegisterWork("scf")
	if err != nil {
		return nil, err
	}
	scf, err := scfWork.Register(in.SCF)
	if err != nil {
		return nil, err
	}

	nscfWork, err := f.RegisterWork("nscf")
	if err != nil {
		return nil, err
	}
	nscf, err := nscfWork.Register(in.NSCF, Dep{Producer: scf, Kind: "DEN"})
	if err != nil {
		return nil, err
	}

	scrWork, err := f.RegisterDynamicWork(KindQptdm, "screening", in.Screening,
		Dep{Producer: nscf, Kind: "WFK"})
	if err != nil {
		return nil, err
	}

	sigmaWork, err := f.RegisterWork("sigma",
		Dep{Producer: scrWork, Kind: "SCR"},
		Dep{Producer: nscf, Kind: "WFK"})
	if err != nil {
		return nil, err
	}
	if _, err := sigmaWork.Register(in.Sigma); err != nil {
		return nil, err
	}

	return f, nil
}

// Phonon builds a ground-state work plus one dynamic work per q-point,
// each expanding into the irreducible perturbations reported by its probe.
func Phonon(workdir, name string, reg *abivars.Registry, scf, phTemplate *abivars.Input, qpoints [][3]float64) (*Flow, error) {
	f := New(workdir, name, reg)

	gsWork, err := f.RegisterWork("gs")
	if err != nil {
		return nil, err
	}
	gs, err := gsWork.Register(scf)
	if err != nil {
		return nil, err
	}

	for i, qpt := range qpoints {
		template := phTemplate.Clone().Set("qpt", qpt)
		_, err := f.RegisterDynamicWork(KindPhonon, fmt.Sprintf("ph-q%d", i), template,
			Dep{Producer: gs, Kind: "WFK"})
		if err != nil {
			return nil, err
		}
	}

	return f, nil
}
