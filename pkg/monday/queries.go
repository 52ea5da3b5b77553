package monday

const columnTitlesQuery = `query ($board: [ID!]) {
  boards(ids: $board) {
    columns { id title }
  }
}`

const changedItemsQuery = `query ($board: [ID!], $limit: Int!, $params: ItemsQuery) {
  boards(ids: $board) {
    items_page(limit: $limit, query_params: $params) {
      cursor
      items { id name updated_at }
    }
  }
}`

const nextChangedItemsQuery = `query ($cursor: String!, $limit: Int!) {
  next_items_page(cursor: $cursor, limit: $limit) {
    cursor
    items { id name updated_at }
  }
}`

const itemsByIDQuery = `query ($ids: [ID!], $limit: Int) {
  items(ids: $ids, limit: $limit) {
    id
    name
    updated_at
    board { id }
    column_values { id text }
  }
}`

const boardItemsQuery = `query ($board: [ID!], $limit: Int!) {
  boards(ids: $board) {
    items_page(limit: $limit) {
      cursor
      items {
        id
        name
        updated_at
        column_values { id text }
      }
    }
  }
}`

const nextBoardItemsQuery = `query ($cursor: String!, $limit: Int!) {
  next_items_page(cursor: $cursor, limit: $limit) {
    cursor
    items {
      id
      name
      updated_at
      column_values { id text }
    }
  }
}`
