package dataloader

// CreateSharedDataLoaders creates the train and validation loaders for a
// run, backed by one cache sized to hold every decoded image. The train
// loader is the infinite shuffled generator that feeds augmentation; the
// validation loader walks the untransformed test split once per epoch.
func CreateSharedDataLoaders(trainDataset, valDataset Dataset, config Config) (*DataLoader, *DataLoader) {
	cacheSize := config.MaxCacheSize
	if cacheSize == 0 {
		cacheSize = trainDataset.Len() + valDataset.Len()
	}
	sharedCache := NewCacheManager(cacheSize)

	trainConfig := config
	trainConfig.CacheManager = sharedCache
	trainConfig.Shuffle = true
	trainConfig.Infinite = true
	trainLoader := NewDataLoader(trainDataset, trainConfig)

	valConfig := config
	valConfig.CacheManager = sharedCache
	valConfig.Shuffle = false
	valConfig.Infinite = false
	valConfig.Augmenter = nil // validation batches stay untransformed
	valLoader := NewDataLoader(valDataset, valConfig)

	return trainLoader, valLoader
}
