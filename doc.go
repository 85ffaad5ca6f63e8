// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package bulkloader provides an API for loading datasets into Elasticsearch
// with bulk requests.
//
// A Loader buffers documents added with Put and writes them synchronously,
// in bulk requests of a fixed number of documents, retrying failed requests
// with a linear backoff. Documents are addressed by logical index names,
// resolved to physical names prefixed with a release version, see
// ResolveIndex.
//
// A Loader also manages the indices of a bulk load session:
//
//	index, err := loader.CreateNewIndex(ctx, "gene-data")
//	err = loader.PrepareForBulkLoad(ctx, index)
//	err = loader.Put(ctx, "gene-data", "genedata", "ENSG00000157764", gene)
//	...
//	err = loader.FlushAndWait(ctx, "gene-data")
//	err = loader.RestoreAfterBulkLoad(ctx)
//
// PrepareForBulkLoad trades durability and search visibility for indexing
// throughput; RestoreAfterBulkLoad, also called by Close, reverts it.
package bulkloader
