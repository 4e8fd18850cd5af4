package memutils

import "math"

// Statistics counts the regions laid out inside one or more packed allocations
type Statistics struct {
	AllocationCount int
	RegionCount     int
	AllocationBytes int
	RegionBytes     int
}

func (s *Statistics) Clear() {
	s.AllocationCount = 0
	s.RegionCount = 0
	s.AllocationBytes = 0
	s.RegionBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.AllocationCount += other.AllocationCount
	s.RegionCount += other.RegionCount
	s.AllocationBytes += other.AllocationBytes
	s.RegionBytes += other.RegionBytes
}

// DetailedStatistics extends Statistics with the padding gaps introduced by alignment and the
// size range of the regions themselves
type DetailedStatistics struct {
	Statistics
	PaddingCount   int
	PaddingBytes   int
	RegionSizeMin  int
	RegionSizeMax  int
	PaddingSizeMin int
	PaddingSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.PaddingCount = 0
	s.PaddingBytes = 0
	s.RegionSizeMin = math.MaxInt
	s.RegionSizeMax = 0
	s.PaddingSizeMin = math.MaxInt
	s.PaddingSizeMax = 0
}

func (s *DetailedStatistics) AddPadding(size int) {
	if size <= 0 {
		return
	}

	s.PaddingCount++
	s.PaddingBytes += size

	if size < s.PaddingSizeMin {
		s.PaddingSizeMin = size
	}

	if size > s.PaddingSizeMax {
		s.PaddingSizeMax = size
	}
}

func (s *DetailedStatistics) AddRegion(size int) {
	s.RegionCount++
	s.RegionBytes += size

	if size < s.RegionSizeMin {
		s.RegionSizeMin = size
	}

	if size > s.RegionSizeMax {
		s.RegionSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.PaddingCount += other.PaddingCount
	s.PaddingBytes += other.PaddingBytes

	if other.PaddingSizeMin < s.PaddingSizeMin {
		s.PaddingSizeMin = other.PaddingSizeMin
	}

	if other.PaddingSizeMax > s.PaddingSizeMax {
		s.PaddingSizeMax = other.PaddingSizeMax
	}

	if other.RegionSizeMin < s.RegionSizeMin {
		s.RegionSizeMin = other.RegionSizeMin
	}

	if other.RegionSizeMax > s.RegionSizeMax {
		s.RegionSizeMax = other.RegionSizeMax
	}
}
