package engine

// The scan queue is a mapping folder_id -> FIFO of DocumentInfo. The worker
// always draws from the first non-empty queue in ascending folder-id order,
// so scanning within a folder is strictly ordered and folder order is
// deterministic.

func (e *Engine) countOfDocuments(folderID int64) int {
	return len(e.docsToScan[folderID])
}

func (e *Engine) countOfBytes(folderID int64) int64 {
	var total int64
	for _, info := range e.docsToScan[folderID] {
		total += info.Size
	}
	return total
}

func (e *Engine) queueEmpty() bool {
	return len(e.docsToScan) == 0
}

// firstQueueKey returns the smallest folder id with queued work.
func (e *Engine) firstQueueKey() int64 {
	first := int64(-1)
	for id := range e.docsToScan {
		if first == -1 || id < first {
			first = id
		}
	}
	return first
}

// dequeueDocument removes and returns the head of the first non-empty folder
// queue. The caller must have checked queueEmpty.
func (e *Engine) dequeueDocument() DocumentInfo {
	key := e.firstQueueKey()
	queue := e.docsToScan[key]
	info := queue[0]
	if len(queue) == 1 {
		delete(e.docsToScan, key)
	} else {
		e.docsToScan[key] = queue[1:]
	}
	return info
}

// enqueueDocumentInternal appends a document to its folder queue, or, for a
// document being resumed across ticks, prepends it so large files are not
// starved by new arrivals.
func (e *Engine) enqueueDocumentInternal(info DocumentInfo, prepend bool) {
	queue := e.docsToScan[info.Folder]
	if prepend {
		queue = append([]DocumentInfo{info}, queue...)
	} else {
		queue = append(queue, info)
	}
	e.docsToScan[info.Folder] = queue
}

// enqueueDocuments adds a folder's discovered documents to the queue,
// refreshes the folder's progress totals, and arms the scan worker.
func (e *Engine) enqueueDocuments(folderID int64, infos []DocumentInfo) {
	for _, info := range infos {
		e.enqueueDocumentInternal(info, false)
	}
	count := e.countOfDocuments(folderID)
	bytes := e.countOfBytes(folderID)

	item := e.collectionItem(folderID)
	item.CurrentDocsToIndex = count
	item.TotalDocsToIndex = count
	item.CurrentBytesToIndex = bytes
	item.TotalBytesToIndex = bytes
	e.updateCollectionItem(item)

	e.scheduleScan()
}

// removeFolderFromDocumentQueue evicts a folder's pending work, cancelling
// any future scans for it.
func (e *Engine) removeFolderFromDocumentQueue(folderID int64) {
	delete(e.docsToScan, folderID)
}
