package worker

// RecommendedWorkerCountForTest exposes the memory sizing heuristic to
// external tests.
var RecommendedWorkerCountForTest = recommendedWorkerCount
