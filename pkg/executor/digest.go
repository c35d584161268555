package executor

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// ResolveDigest looks up the content digest for imageRef without pulling
// the full image. Neither the orchestrator nor Run calls it: executions
// pull the image reference as given, and no digest is recorded on the
// execution or returned as an artifact. This is the one piece of the
// original Registry's supply-chain surface (sbom/signature/digest
// columns) cheap enough to carry into this module; sbom and signature
// verification need a dependency (cosign, in-toto) absent from the
// retrieved pack and are left unimplemented.
func ResolveDigest(imageRef string) (string, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return "", fmt.Errorf("parse image reference %q: %w", imageRef, err)
	}

	desc, err := remote.Get(ref)
	if err != nil {
		return "", fmt.Errorf("resolve digest for %q: %w", imageRef, err)
	}

	return desc.Digest.String(), nil
}
