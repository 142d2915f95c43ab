package registry

// CoreModules is the static registration table for the modules shipped with
// the system. Hosts register these at boot; tests use them as realistic
// fixtures.
var CoreModules = []Descriptor{
	{
		ID:      "gpu",
		Version: Version{1, 0, 0},
		Resources: ResourceProfile{
			Flags: ResourceGPUIntensive, MinMemoryMB: 512, MinGPUMemoryMB: 1024, MinCPUCores: 1,
		},
		Cost: CostModel{BaseCost: 500, PerMBCost: 50, PerSecondCost: 5000},
		Capabilities: []Capability{
			{ID: "gpu_compute", Flags: 1, MinMemoryMB: 1024},
		},
	},
	{
		ID:      "storage",
		Version: Version{1, 0, 0},
		Resources: ResourceProfile{
			Flags: ResourceIOIntensive | ResourceMemoryIntensive, MinMemoryMB: 256, MinCPUCores: 1,
		},
		Cost: CostModel{BaseCost: 200, PerMBCost: 10, PerSecondCost: 1000},
		Capabilities: []Capability{
			{ID: "chunk_store", MinMemoryMB: 256},
		},
	},
	{
		ID:      "crypto",
		Version: Version{1, 0, 0},
		Resources: ResourceProfile{
			Flags: ResourceCPUIntensive, MinMemoryMB: 128, MinCPUCores: 2,
		},
		Cost: CostModel{BaseCost: 100, PerMBCost: 5, PerSecondCost: 500},
	},
	{
		ID:      "ml",
		Version: Version{1, 0, 0},
		Resources: ResourceProfile{
			Flags: ResourceGPUIntensive | ResourceMemoryIntensive, MinMemoryMB: 2048, MinGPUMemoryMB: 4096, MinCPUCores: 4,
		},
		Cost: CostModel{BaseCost: 1000, PerMBCost: 100, PerSecondCost: 10000},
		Dependencies: []Dependency{
			{ID: "gpu", MinVersion: Version{1, 0, 0}, MaxVersion: Version{255, 255, 255}},
			{ID: "storage", MinVersion: Version{1, 0, 0}, MaxVersion: Version{255, 255, 255}},
		},
		Capabilities: []Capability{
			{ID: "inference", Flags: 1, MinMemoryMB: 2048},
		},
	},
	{
		ID:      "mining",
		Version: Version{1, 0, 0},
		Resources: ResourceProfile{
			Flags: ResourceGPUIntensive | ResourceCPUIntensive, MinMemoryMB: 1024, MinGPUMemoryMB: 2048, MinCPUCores: 4,
		},
		Cost: CostModel{BaseCost: 800, PerMBCost: 80, PerSecondCost: 8000},
		Dependencies: []Dependency{
			{ID: "crypto", MinVersion: Version{1, 0, 0}, MaxVersion: Version{255, 255, 255}},
			{ID: "gpu", MinVersion: Version{1, 0, 0}, MaxVersion: Version{255, 255, 255}},
		},
	},
	{
		ID:      "science",
		Version: Version{1, 0, 0},
		Resources: ResourceProfile{
			Flags: ResourceGPUIntensive | ResourceMemoryIntensive | ResourceCPUIntensive,
			MinMemoryMB: 4096, MinGPUMemoryMB: 8192, MinCPUCores: 8,
		},
		Cost: CostModel{BaseCost: 1500, PerMBCost: 150, PerSecondCost: 15000},
		Dependencies: []Dependency{
			{ID: "storage", MinVersion: Version{1, 0, 0}, MaxVersion: Version{255, 255, 255}},
			{ID: "ml", MinVersion: Version{1, 0, 0}, MaxVersion: Version{255, 255, 255}, Optional: true},
		},
	},
}
