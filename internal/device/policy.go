package device

import (
	"strconv"
	"strings"
)

// MaxNumCores bounds both group sizes and multiplicities in the grouping
// policy, and the number of device slots the manager will fill.
const MaxNumCores = 64

// GroupSpec describes one device of the grouping policy: NumCores cores,
// duplicated NumDuplicates times (duplicates use one-core groups).
type GroupSpec struct {
	NumCores      int
	NumDuplicates int
}

// parseCoreGroupPolicy parses the CORE_GROUP_SIZES grammar:
//
//	spec  := group ("," group)*
//	group := [multiplicity "x"] size
//
// Brackets are stripped. A malformed policy discards the whole string and
// returns nil; the caller falls back to the default policy.
func parseCoreGroupPolicy(raw string) []GroupSpec {
	cleaned := strings.ReplaceAll(raw, "[", "")
	cleaned = strings.ReplaceAll(cleaned, "]", "")
	var specs []GroupSpec
	for _, part := range strings.Split(cleaned, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		numDup := 1
		if idx := strings.Index(part, "x"); idx >= 0 {
			n, err := strconv.Atoi(strings.TrimSpace(part[:idx]))
			if err != nil {
				return nil
			}
			numDup = n
			part = strings.TrimSpace(part[idx+1:])
		}
		numCores, err := strconv.Atoi(part)
		if err != nil {
			return nil
		}
		if numCores < 0 || numCores > MaxNumCores || numDup <= 0 || numDup > MaxNumCores {
			return nil
		}
		specs = append(specs, GroupSpec{NumCores: numCores, NumDuplicates: numDup})
		if len(specs) >= MaxNumCores {
			break
		}
	}
	return specs
}

// defaultPolicy builds the grouping used when no (valid) policy string is
// set. optDeviceSize is the operator's hint; maxNumDuplicates is advisory
// and only applies where duplication is possible (one-core groups).
func defaultPolicy(optDeviceSize, maxNumDuplicates int64) []GroupSpec {
	numDup := int(maxNumDuplicates)
	if numDup < 1 {
		numDup = 1
	}
	if numDup > MaxNumCores {
		numDup = MaxNumCores
	}
	switch {
	case optDeviceSize < 0 || optDeviceSize > MaxNumCores:
		// Hint looks wrong: take the largest grouping the driver offers.
		return []GroupSpec{{NumCores: 0, NumDuplicates: 1}}
	case optDeviceSize == 1:
		return []GroupSpec{
			{NumCores: 1, NumDuplicates: 1},
			{NumCores: 1, NumDuplicates: 1},
			{NumCores: 1, NumDuplicates: 1},
			{NumCores: 1, NumDuplicates: 1},
		}
	case optDeviceSize == 2:
		if numDup >= 2 {
			// Two devices spanning two cores each, as one-core duplicates.
			return []GroupSpec{
				{NumCores: 1, NumDuplicates: 2},
				{NumCores: 1, NumDuplicates: 2},
			}
		}
		return []GroupSpec{
			{NumCores: 2, NumDuplicates: 1},
			{NumCores: 2, NumDuplicates: 1},
		}
	default:
		return []GroupSpec{{NumCores: int(optDeviceSize), NumDuplicates: 1}}
	}
}
