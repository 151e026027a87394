package objectstore

import (
	"fmt"

	"github.com/fairyhunter13/cam-job-engine/internal/domain"
)

type verifyingArtefacts struct {
	domain.ArtefactRepository
	store domain.ObjectStore
}

// VerifyingArtefacts wraps an artefact repository so references are only
// recorded after the gateway confirms the stored digest. A nil store
// returns the repository unchanged.
func VerifyingArtefacts(repo domain.ArtefactRepository, store domain.ObjectStore) domain.ArtefactRepository {
	if store == nil {
		return repo
	}
	return &verifyingArtefacts{ArtefactRepository: repo, store: store}
}

func (v *verifyingArtefacts) Add(ctx domain.Context, ref domain.ArtefactRef) (int64, error) {
	match, err := v.store.VerifySHA256(ctx, ref.Bucket, ref.ObjectKey, ref.SHA256)
	if err != nil {
		return 0, fmt.Errorf("op=objectstore.verifyingArtefacts.Add: %w", err)
	}
	if !match {
		return 0, fmt.Errorf("op=objectstore.verifyingArtefacts.Add: %s/%s digest mismatch: %w",
			ref.Bucket, ref.ObjectKey, domain.ErrDeterministic)
	}
	return v.ArtefactRepository.Add(ctx, ref)
}
