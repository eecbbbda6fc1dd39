package s3

import (
	"fmt"

	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

// S3 storage class labels.
const (
	ClassStandard    = "STANDARD"
	ClassStandardIA  = "STANDARD_IA"
	ClassOneZoneIA   = "ONEZONE_IA"
	ClassIntelligent = "INTELLIGENT_TIERING"
	ClassGlacierIR   = "GLACIER_IR"
	ClassGlacier     = "GLACIER"
	ClassDeepArchive = "DEEP_ARCHIVE"
)

// TierFromStorageClass derives the model tier from a backend
// storage-class label. Standard and infrequent-access classes are
// Cold; Glacier classes are Archive; an empty or unknown label
// defaults to Cold.
func TierFromStorageClass(class string) types.StorageTier {
	switch class {
	case ClassGlacier, ClassGlacierIR, ClassDeepArchive:
		return types.TierArchive
	case ClassStandard, ClassStandardIA, ClassOneZoneIA, ClassIntelligent, "":
		return types.TierCold
	default:
		return types.TierCold
	}
}

// StorageClassForTier picks the class a tier change writes under.
// Hot and Warm have no object-storage representation; promoting to
// them is a cache/hydration concern, not a class change.
func StorageClassForTier(tier types.StorageTier) (string, error) {
	switch tier {
	case types.TierCold, types.TierNearline:
		return ClassStandard, nil
	case types.TierArchive:
		return ClassGlacier, nil
	default:
		return "", sferrors.E(sferrors.KindUnsupported, "s3.set_tier", "",
			fmt.Errorf("tier %s has no object storage class", tier))
	}
}
